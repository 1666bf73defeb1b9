package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sophia-care/sophia/internal/genai"
	"github.com/sophia-care/sophia/internal/models"
	"github.com/sophia-care/sophia/internal/persona"
	"github.com/sophia-care/sophia/internal/prompt"
	"github.com/sophia-care/sophia/internal/retrieval"
	"github.com/sophia-care/sophia/internal/store"
)

const user = "33600000001"

// mockCompleter records requests and replies with a scripted answer.
type mockCompleter struct {
	mu       sync.Mutex
	requests []genai.Request
	reply    string
	err      error
	hook     func()
}

func (m *mockCompleter) Complete(ctx context.Context, req genai.Request) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func (m *mockCompleter) last(t *testing.T) genai.Request {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		t.Fatal("expected a completion request")
	}
	return m.requests[len(m.requests)-1]
}

// mockRetriever returns fixed records and counts queries.
type mockRetriever struct {
	mu      sync.Mutex
	queries []string
	records []models.RetrievalRecord
	err     error
}

func (m *mockRetriever) Enabled() bool { return true }

func (m *mockRetriever) Retrieve(ctx context.Context, query string, k int, themes ...string) (models.RetrievedContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	if m.err != nil {
		return models.RetrievedContext{Query: query}, m.err
	}
	return models.RetrievedContext{Query: query, Records: m.records}, nil
}

func newTestMachine(t *testing.T, c *mockCompleter, opts ...Option) (*Machine, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	base := []Option{WithRand(rand.New(rand.NewPCG(1, 2)))}
	return NewMachine(st, c, append(base, opts...)...), st
}

func bodies(out []models.Outgoing) []string {
	var b []string
	for _, o := range out {
		b = append(b, o.Body)
	}
	return b
}

func single(t *testing.T, out []models.Outgoing) string {
	t.Helper()
	if len(out) != 1 {
		t.Fatalf("expected exactly one message, got %d: %q", len(out), bodies(out))
	}
	if out[0].To != user {
		t.Errorf("expected message to %s, got %s", user, out[0].To)
	}
	return out[0].Body
}

func load(t *testing.T, st store.SessionStore) models.Session {
	t.Helper()
	s, err := st.Get(context.Background(), user)
	if err != nil || s == nil {
		t.Fatalf("expected stored session, got %v, %v", s, err)
	}
	return *s
}

func seedChatting(t *testing.T, st store.SessionStore) {
	t.Helper()
	s := models.NewSession(user, 0, time.Now())
	s.State = models.StateChatting
	s.Profile = models.UserProfile{Name: "Léa", EmotionalState: "3/10", SupportNetwork: "ma soeur", PrimaryNeed: "dormir"}
	if err := st.Save(context.Background(), s); err != nil {
		t.Fatal(err)
	}
}

func TestHandle_FirstContactGreeting(t *testing.T) {
	m, st := newTestMachine(t, &mockCompleter{})
	body := single(t, m.Handle(context.Background(), user, "Bonjour"))
	if !slices.Contains(WelcomeVariants, body) {
		t.Errorf("expected a welcome variant, got %q", body)
	}
	s := load(t, st)
	if s.State != models.StateAwaitingName || s.NameAttempts != 0 {
		t.Errorf("unexpected session after greeting: %+v", s)
	}
}

func TestHandle_IntakeCompletesInChatting(t *testing.T) {
	ret := &mockRetriever{records: []models.RetrievalRecord{{Theme: "fatigue", SourceQuestion: "Je dors mal", SourceAnswer: "On regarde ta soirée ?"}}}
	m, st := newTestMachine(t, &mockCompleter{reply: "Ok"}, WithRetriever(ret))
	ctx := context.Background()

	if got := single(t, m.Handle(ctx, user, "Je m'appelle Léa")); got != intakeOpening("Léa", false) {
		t.Errorf("unexpected opening %q", got)
	}
	answers := []string{"3/10, le boulot", "ma soeur", "dormir une nuit entière"}
	for i, a := range answers {
		got := single(t, m.Handle(ctx, user, a))
		if i < 2 && got != IntakeQuestions[i+1] {
			t.Errorf("step %d: expected question %d, got %q", i+1, i+2, got)
		}
		if i == 2 && got != intakeDone("Léa") {
			t.Errorf("expected intake closing, got %q", got)
		}
	}

	s := load(t, st)
	if s.State != models.StateChatting {
		t.Fatalf("expected Chatting, got %s", s.State)
	}
	want := models.UserProfile{Name: "Léa", EmotionalState: answers[0], SupportNetwork: answers[1], PrimaryNeed: answers[2], Guided: true}
	if diff := cmp.Diff(want, s.Profile); diff != "" {
		t.Errorf("profile mismatch (-want +got):\n%s", diff)
	}
	if !s.Profile.IntakeComplete() {
		t.Error("expected all intake fields populated")
	}
	if s.Prefetch == nil || len(s.Prefetch.Records) != 1 {
		t.Fatalf("expected stored pre-fetch, got %+v", s.Prefetch)
	}
	if len(ret.queries) != 1 || ret.queries[0] != strings.Join(answers, " ") {
		t.Errorf("unexpected pre-fetch queries %q", ret.queries)
	}
}

func TestHandle_PrefetchConsumedOnce(t *testing.T) {
	ret := &mockRetriever{records: []models.RetrievalRecord{{Theme: "solitude", SourceQuestion: "Personne ne m'appelle", SourceAnswer: "Qui te manque ?"}}}
	c := &mockCompleter{reply: "Je t'entends. Qu'est-ce qui pèse le plus ce soir ?"}
	m, st := newTestMachine(t, c, WithRetriever(ret))
	ctx := context.Background()
	seedChatting(t, st)
	s := load(t, st)
	s.Prefetch = &models.RetrievedContext{Query: "intake", Records: ret.records}
	if err := st.Save(ctx, s); err != nil {
		t.Fatal(err)
	}

	single(t, m.Handle(ctx, user, "ok"))
	if !strings.Contains(c.last(t).System, prompt.HeaderRetrieval) {
		t.Error("first chat turn should use the pre-fetched context")
	}
	if len(ret.queries) != 0 {
		t.Errorf("pre-fetch should replace reactive retrieval, got queries %q", ret.queries)
	}
	if got := load(t, st); got.Prefetch != nil {
		t.Errorf("pre-fetch should be cleared after first use, got %+v", got.Prefetch)
	}

	single(t, m.Handle(ctx, user, "ok"))
	if strings.Contains(c.last(t).System, prompt.HeaderRetrieval) {
		t.Error("second turn must not reuse the pre-fetch")
	}
}

func TestHandle_ChatTurn(t *testing.T) {
	c := &mockCompleter{reply: "Ça a l'air lourd. Depuis quand tu te sens comme ça ?"}
	m, st := newTestMachine(t, c)
	ctx := context.Background()
	seedChatting(t, st)

	got := single(t, m.Handle(ctx, user, "Je me sens seul"))
	if got != c.reply {
		t.Errorf("unexpected reply %q", got)
	}
	req := c.last(t)
	if !strings.Contains(req.System, prompt.HeaderProfile) {
		t.Error("system prompt should contain the profile block")
	}
	if strings.Contains(req.System, prompt.HeaderRetrieval) {
		t.Error("system prompt should not contain a retrieval block without retriever")
	}
	def := persona.NewCatalog().Resolve("")
	if !strings.HasSuffix(req.System, def.ClosingQuestionRule) {
		t.Error("system prompt should end with the closing question rule")
	}
	s := load(t, st)
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant}
	var roles []models.Role
	for _, turn := range s.History {
		roles = append(roles, turn.Role)
	}
	if diff := cmp.Diff(wantRoles, roles); diff != "" {
		t.Errorf("history roles mismatch (-want +got):\n%s", diff)
	}
}

func TestHandle_PersonaCommand(t *testing.T) {
	c := &mockCompleter{reply: "Raconte-moi."}
	m, st := newTestMachine(t, c)
	ctx := context.Background()
	seedChatting(t, st)
	catalog := persona.NewCatalog()
	soeur, ok := catalog.Get("grande-soeur")
	if !ok {
		t.Fatal("expected the grande-soeur persona")
	}

	if got := single(t, m.Handle(ctx, user, "/persona inconnu")); got != fmt.Sprintf(PersonaUnknown, "inconnu", strings.Join(catalog.IDs(), ", ")) {
		t.Errorf("unexpected reply %q", got)
	}
	if got := single(t, m.Handle(ctx, user, "/persona")); !strings.Contains(got, "grande-soeur") {
		t.Errorf("expected the available personas, got %q", got)
	}
	if got := single(t, m.Handle(ctx, user, "/persona grande-soeur")); got != fmt.Sprintf(PersonaSelected, "grande-soeur") {
		t.Errorf("unexpected reply %q", got)
	}
	s := load(t, st)
	if s.Profile.PersonaID != "grande-soeur" || s.State != models.StateChatting || len(s.History) != 0 {
		t.Errorf("unexpected session after selection: %+v", s)
	}
	if len(c.requests) != 0 {
		t.Errorf("persona commands should not reach the model, got %d requests", len(c.requests))
	}

	single(t, m.Handle(ctx, user, "Je me sens seul"))
	req := c.last(t)
	if !strings.Contains(req.System, soeur.Role) {
		t.Error("system prompt should carry the selected persona role")
	}
	if def := catalog.Resolve(""); strings.Contains(req.System, def.Role) {
		t.Error("system prompt should not carry the default persona role")
	}
}

func TestHandle_HistoryTrimmed(t *testing.T) {
	c := &mockCompleter{reply: "Et ensuite ?"}
	m, st := newTestMachine(t, c, WithMaxStoredHistory(4))
	seedChatting(t, st)
	for i := 0; i < 5; i++ {
		m.Handle(context.Background(), user, fmt.Sprintf("message %d", i))
	}
	s := load(t, st)
	if len(s.History) != 4 {
		t.Fatalf("expected 4 stored turns, got %d", len(s.History))
	}
	if s.History[2].Content != "message 4" {
		t.Errorf("expected most recent user turn kept, got %q", s.History[2].Content)
	}
}

func TestHandle_RetrievalUnavailableDegrades(t *testing.T) {
	ret := &mockRetriever{err: retrieval.ErrUnavailable}
	c := &mockCompleter{reply: "Je t'écoute. Qu'est-ce qui se passe au travail ?"}
	m, st := newTestMachine(t, c, WithRetriever(ret))
	seedChatting(t, st)

	got := single(t, m.Handle(context.Background(), user, "Mon travail me stresse énormément"))
	if got != c.reply {
		t.Errorf("expected normal reply despite retrieval failure, got %q", got)
	}
	if len(ret.queries) != 1 {
		t.Errorf("expected one retrieval attempt, got %d", len(ret.queries))
	}
	if strings.Contains(c.last(t).System, prompt.HeaderRetrieval) {
		t.Error("no retrieval block expected after failure")
	}
}

func TestHandle_GateSkipsSmallTalk(t *testing.T) {
	ret := &mockRetriever{}
	m, st := newTestMachine(t, &mockCompleter{reply: "Salut !"}, WithRetriever(ret))
	seedChatting(t, st)
	m.Handle(context.Background(), user, "salut")
	if len(ret.queries) != 0 {
		t.Errorf("greeting should not trigger retrieval, got %q", ret.queries)
	}
}

func TestHandle_DangerInChatting(t *testing.T) {
	c := &mockCompleter{reply: "unused"}
	m, st := newTestMachine(t, c)
	ctx := context.Background()
	seedChatting(t, st)

	if got := single(t, m.Handle(ctx, user, "j'ai envie de mourir")); got != SafetyCheckText {
		t.Errorf("expected safety check, got %q", got)
	}
	s := load(t, st)
	if s.Emergency != models.EmergencyAsked || s.State != models.StateChatting {
		t.Errorf("expected EmergencyAsked with state kept, got %s / %s", s.Emergency, s.State)
	}

	if got := single(t, m.Handle(ctx, user, "je sais pas")); got != EmergencyText {
		t.Errorf("expected emergency numbers, got %q", got)
	}
	if got := load(t, st); got.Emergency != models.EmergencyReferred {
		t.Errorf("expected EmergencyReferred, got %s", got.Emergency)
	}

	if got := single(t, m.Handle(ctx, user, "ok")); !slices.Contains(CheckInVariants, got) {
		t.Errorf("expected sticky check-in, got %q", got)
	}
	if len(c.requests) != 0 {
		t.Errorf("emergency protocol must not call the model, got %d calls", len(c.requests))
	}

	if got := single(t, m.Handle(ctx, user, "/start")); !slices.Contains(WelcomeVariants, got) {
		t.Errorf("expected welcome after reset, got %q", got)
	}
	if got := load(t, st); got.Emergency != models.EmergencyNone || got.State != models.StateAwaitingName {
		t.Errorf("expected cleared session after reset, got %+v", got)
	}
}

func TestHandle_DangerPreemptsEveryState(t *testing.T) {
	for _, state := range []models.SessionState{models.StateAwaitingName, models.StateAwaitingChoice, models.StateAwaitingIntake} {
		t.Run(string(state), func(t *testing.T) {
			m, st := newTestMachine(t, &mockCompleter{})
			s := models.NewSession(user, 0, time.Now())
			s.State = state
			s.IntakeStep = 2
			if err := st.Save(context.Background(), s); err != nil {
				t.Fatal(err)
			}
			if got := single(t, m.Handle(context.Background(), user, "je veux me suicider")); got != SafetyCheckText {
				t.Errorf("expected safety check, got %q", got)
			}
			if got := load(t, st); got.Emergency != models.EmergencyAsked || got.State != state {
				t.Errorf("unexpected session %+v", got)
			}
		})
	}
}

func TestHandle_EmergencyTimeout(t *testing.T) {
	now := time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c := &mockCompleter{reply: "Content de te relire. Comment s'est passée ta nuit ?"}
	m, st := newTestMachine(t, c, WithEmergencyTimeout(12*time.Hour), WithClock(clock))
	ctx := context.Background()
	seedChatting(t, st)

	m.Handle(ctx, user, "je veux mourir")
	now = now.Add(time.Hour)
	if got := single(t, m.Handle(ctx, user, "ça va un peu mieux")); got != EmergencyText {
		t.Errorf("before timeout the protocol continues, got %q", got)
	}
	now = now.Add(13 * time.Hour)
	if got := single(t, m.Handle(ctx, user, "ça va un peu mieux")); got != c.reply {
		t.Errorf("after timeout the conversation resumes, got %q", got)
	}
	if got := load(t, st); got.Emergency != models.EmergencyNone {
		t.Errorf("expected emergency cleared, got %s", got.Emergency)
	}
}

func TestHandle_AuthErrorAlertsOperator(t *testing.T) {
	c := &mockCompleter{err: fmt.Errorf("%w: status 403", genai.ErrAuth)}
	m, st := newTestMachine(t, c, WithOperatorID("operator"))
	seedChatting(t, st)

	out := m.Handle(context.Background(), user, "Je me sens seul")
	want := []models.Outgoing{{To: user, Body: FallbackText}, {To: "operator", Body: OperatorAuthAlert}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("outgoing mismatch (-want +got):\n%s", diff)
	}
	for _, o := range out {
		if o.To == user && strings.Contains(strings.ToLower(o.Body), "403") {
			t.Error("user-facing text must not leak provider details")
		}
	}
}

func TestHandle_ExhaustedRetriesFallback(t *testing.T) {
	c := &mockCompleter{err: fmt.Errorf("%w after 3 attempts: %w", genai.ErrExhaustedRetries, &genai.TransientError{StatusCode: 503, Err: errors.New("unavailable")})}
	m, st := newTestMachine(t, c, WithOperatorID("operator"))
	seedChatting(t, st)
	if got := single(t, m.Handle(context.Background(), user, "tu es là ?")); got != FallbackText {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestHandle_FailedCompletionKeepsTurnsAlternating(t *testing.T) {
	c := &mockCompleter{err: fmt.Errorf("%w after 3 attempts", genai.ErrExhaustedRetries)}
	m, st := newTestMachine(t, c)
	ctx := context.Background()
	seedChatting(t, st)

	m.Handle(ctx, user, "tu es là ?")
	c.err = nil
	c.reply = "Oui, je suis là."
	m.Handle(ctx, user, "allô ?")

	var got []models.Turn
	for _, turn := range load(t, st).History {
		got = append(got, models.Turn{Role: turn.Role, Content: turn.Content})
	}
	want := []models.Turn{
		{Role: models.RoleUser, Content: "tu es là ?"},
		{Role: models.RoleAssistant, Content: FallbackText},
		{Role: models.RoleUser, Content: "allô ?"},
		{Role: models.RoleAssistant, Content: "Oui, je suis là."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	if turns := c.last(t).Turns; len(turns) != 3 || turns[1].Content != FallbackText {
		t.Errorf("second request should replay the fallback turn, got %+v", turns)
	}
}

func TestHandle_PanicRecovered(t *testing.T) {
	c := &mockCompleter{hook: func() { panic("boom") }}
	m, st := newTestMachine(t, c)
	seedChatting(t, st)
	if got := single(t, m.Handle(context.Background(), user, "hello ?")); got != FallbackText {
		t.Errorf("expected fallback after panic, got %q", got)
	}
}

func TestHandle_StaleWriteDropped(t *testing.T) {
	c := &mockCompleter{reply: "réponse tardive"}
	m, st := newTestMachine(t, c)
	seedChatting(t, st)
	c.hook = func() { m.Reset(context.Background(), user) }

	if out := m.Handle(context.Background(), user, "Je me sens seul"); len(out) != 0 {
		t.Errorf("reply of a turn overtaken by a reset must be dropped, got %q", bodies(out))
	}
	s := load(t, st)
	if s.Generation != 1 || s.State != models.StateAwaitingName || len(s.History) != 0 {
		t.Errorf("reset session was overwritten: %+v", s)
	}
}

func TestHandle_CancelledTurnDropsReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &mockCompleter{hook: cancel, err: context.Canceled}
	m, st := newTestMachine(t, c)
	seedChatting(t, st)
	if out := m.Handle(ctx, user, "Je me sens seul"); len(out) != 0 {
		t.Errorf("expected no reply for cancelled turn, got %q", bodies(out))
	}
}

func TestHandle_NameFallbackAfterAttempts(t *testing.T) {
	m, st := newTestMachine(t, &mockCompleter{})
	ctx := context.Background()
	m.Handle(ctx, user, "Bonjour")

	if got := single(t, m.Handle(ctx, user, "je sais pas trop quoi dire")); got != NameReprompt {
		t.Errorf("expected name re-prompt, got %q", got)
	}
	if got := single(t, m.Handle(ctx, user, "123")); got != intakeOpening(prompt.FallbackName, true) {
		t.Errorf("expected anonymous opening, got %q", got)
	}
	s := load(t, st)
	if s.Profile.Name != prompt.FallbackName || s.State != models.StateAwaitingIntake || s.IntakeStep != 1 {
		t.Errorf("unexpected session %+v", s)
	}
}

func TestHandle_AskChoice(t *testing.T) {
	tests := []struct {
		name      string
		answer    string
		wantState models.SessionState
		wantBody  string
	}{
		{"guided", "vas-y pose-moi des questions", models.StateAwaitingIntake, GuidedStart + IntakeQuestions[0]},
		{"free form short", "je préfère raconter", models.StateChatting, ListenText},
		{"unclear short", "hmm", models.StateAwaitingChoice, ChoiceReprompt},
		{"story", "En fait ma copine m'a quitté hier soir et je n'arrive plus à dormir", models.StateChatting, "Je t'écoute. Raconte-moi."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &mockCompleter{reply: "Je t'écoute. Raconte-moi."}
			m, st := newTestMachine(t, c, WithAskChoice(true))
			ctx := context.Background()
			if got := single(t, m.Handle(ctx, user, "Léa")); got != nameAccepted("Léa") {
				t.Fatalf("unexpected name reply %q", got)
			}
			if got := single(t, m.Handle(ctx, user, tt.answer)); got != tt.wantBody {
				t.Errorf("expected %q, got %q", tt.wantBody, got)
			}
			if got := load(t, st); got.State != tt.wantState {
				t.Errorf("expected state %s, got %s", tt.wantState, got.State)
			}
		})
	}
}

func TestHandle_NoQuestionsRequest(t *testing.T) {
	c := &mockCompleter{reply: "D'accord, je t'écoute simplement."}
	m, st := newTestMachine(t, c)
	seedChatting(t, st)
	m.Handle(context.Background(), user, "Arrête de me poser des questions s'il te plaît")

	if !load(t, st).Profile.NoQuestions {
		t.Fatal("expected NoQuestions flag")
	}
	def := persona.NewCatalog().Resolve("")
	if !strings.HasSuffix(c.last(t).System, def.NoQuestionsRule) {
		t.Error("system prompt should end with the no-questions rule")
	}
}

func TestHandle_InputErrors(t *testing.T) {
	m, st := newTestMachine(t, &mockCompleter{})
	ctx := context.Background()
	s := models.NewSession(user, 0, time.Now())
	s.State = models.StateAwaitingIntake
	s.IntakeStep = 2
	if err := st.Save(ctx, s); err != nil {
		t.Fatal(err)
	}

	if got := single(t, m.Handle(ctx, user, "   ")); got != IntakeReprompt+IntakeQuestions[1] {
		t.Errorf("expected intake re-prompt, got %q", got)
	}
	if got := single(t, m.Handle(ctx, user, strings.Repeat("a", models.MaxMessageLength+1))); got != TooLongReprompt {
		t.Errorf("expected too-long re-prompt, got %q", got)
	}
	if got := load(t, st); got.IntakeStep != 2 || got.Profile.SupportNetwork != "" {
		t.Errorf("invalid input must not advance intake: %+v", got)
	}
	if out := m.Handle(ctx, "", "hello"); out != nil {
		t.Errorf("expected nothing for empty user id, got %v", out)
	}
}

// failingStore fails every load.
type failingStore struct{ store.SessionStore }

func (failingStore) Get(ctx context.Context, userID string) (*models.Session, error) {
	return nil, errors.New("disk on fire")
}

func TestHandle_StoreFailure(t *testing.T) {
	m := NewMachine(failingStore{store.NewInMemoryStore()}, &mockCompleter{})
	if got := single(t, m.Handle(context.Background(), user, "Léa")); got != FallbackText {
		t.Errorf("expected fallback on store failure, got %q", got)
	}
}
