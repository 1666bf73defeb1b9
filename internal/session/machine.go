// Package session drives each user through onboarding, the three-question
// intake and open conversation, and owns the safety sub-protocol.
//
// The Machine is stateless between calls: every turn loads the session from
// the store, applies one transition and writes it back with a generation
// check so that a turn racing a reset never overwrites the fresh session.
// Callers serialize turns per user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/sophia-care/sophia/internal/genai"
	"github.com/sophia-care/sophia/internal/models"
	"github.com/sophia-care/sophia/internal/persona"
	"github.com/sophia-care/sophia/internal/prompt"
	"github.com/sophia-care/sophia/internal/retrieval"
	"github.com/sophia-care/sophia/internal/safety"
	"github.com/sophia-care/sophia/internal/store"
	"github.com/sophia-care/sophia/internal/util"
)

// Default limits.
const (
	DefaultMaxStoredHistory = 20
	DefaultStoreTimeout     = 5 * time.Second
	// shortAnswerWords bounds a reply that only answers the intake mode choice.
	shortAnswerWords = 4
)

// ErrInput marks a malformed message recovered by a re-prompt.
var ErrInput = errors.New("invalid input")

// Completer produces the assistant reply.
type Completer interface {
	Complete(ctx context.Context, req genai.Request) (string, error)
}

// Retriever fetches archived exchanges close to a query.
type Retriever interface {
	Enabled() bool
	Retrieve(ctx context.Context, query string, k int, themes ...string) (models.RetrievedContext, error)
}

// Gate decides whether a chat message deserves retrieval.
type Gate interface {
	ShouldRetrieve(text string) bool
}

// DangerDetector flags self-harm signals.
type DangerDetector interface {
	IsDangerous(text string) bool
}

// PersonaResolver returns the persona for an id, falling back to the default one.
// Get and IDs back the persona selection command.
type PersonaResolver interface {
	Resolve(id string) persona.Persona
	Get(id string) (persona.Persona, bool)
	IDs() []string
}

// Opts holds configuration options for the Machine.
type Opts struct {
	Retriever        Retriever
	Gate             Gate
	Danger           DangerDetector
	Personas         PersonaResolver
	AskChoice        bool
	EmergencyTimeout time.Duration
	OperatorID       string
	MaxStoredHistory int
	MaxTurns         int
	TopK             int
	Rand             *rand.Rand
	Now              func() time.Time
}

// Option defines a configuration option for the Machine.
type Option func(*Opts)

// WithRetriever enables retrieval for chat turns and the intake pre-fetch.
func WithRetriever(r Retriever) Option { return func(o *Opts) { o.Retriever = r } }

// WithGate replaces the default retrieval gate.
func WithGate(g Gate) Option { return func(o *Opts) { o.Gate = g } }

// WithDangerDetector replaces the default danger classifier.
func WithDangerDetector(d DangerDetector) Option { return func(o *Opts) { o.Danger = d } }

// WithPersonas sets the persona catalog.
func WithPersonas(p PersonaResolver) Option { return func(o *Opts) { o.Personas = p } }

// WithAskChoice inserts the guided/free-form choice between name and intake.
func WithAskChoice(enabled bool) Option { return func(o *Opts) { o.AskChoice = enabled } }

// WithEmergencyTimeout lets a calm message return the user to the normal flow
// once d has elapsed since the last danger signal. Zero keeps emergencies sticky.
func WithEmergencyTimeout(d time.Duration) Option { return func(o *Opts) { o.EmergencyTimeout = d } }

// WithOperatorID sets the recipient of operator alerts.
func WithOperatorID(id string) Option { return func(o *Opts) { o.OperatorID = id } }

// WithMaxStoredHistory bounds the stored history.
func WithMaxStoredHistory(n int) Option {
	return func(o *Opts) {
		if n > 0 {
			o.MaxStoredHistory = n
		}
	}
}

// WithMaxTurns bounds the history forwarded to the model.
func WithMaxTurns(n int) Option { return func(o *Opts) { o.MaxTurns = n } }

// WithTopK sets the number of records retrieved per query.
func WithTopK(k int) Option { return func(o *Opts) { o.TopK = k } }

// WithRand injects the randomness used for text variants.
func WithRand(r *rand.Rand) Option { return func(o *Opts) { o.Rand = r } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(o *Opts) { o.Now = now } }

// Machine is the per-user conversation state machine.
type Machine struct {
	store     store.SessionStore
	completer Completer
	opts      Opts

	randMu sync.Mutex
}

// NewMachine creates a Machine backed by st and completer.
func NewMachine(st store.SessionStore, completer Completer, opts ...Option) *Machine {
	cfg := Opts{
		MaxStoredHistory: DefaultMaxStoredHistory,
		MaxTurns:         prompt.DefaultMaxTurns,
		TopK:             retrieval.DefaultTopK,
		Now:              time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Gate == nil {
		cfg.Gate = retrieval.NewGate(nil, nil, 0)
	}
	if cfg.Danger == nil {
		d, err := safety.NewClassifier()
		if err != nil {
			panic(fmt.Sprintf("session: default danger patterns invalid: %v", err))
		}
		cfg.Danger = d
	}
	if cfg.Personas == nil {
		cfg.Personas = persona.NewCatalog()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Machine{store: st, completer: completer, opts: cfg}
}

// Handle processes one inbound message and returns the messages to send.
// It never returns an error: failures become the fallback text.
func (m *Machine) Handle(ctx context.Context, userID, text string) (out []models.Outgoing) {
	turnID := util.NewTurnID()
	log := slog.With("turnID", turnID, "userID", userID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Machine.Handle: recovered from panic", "panic", r)
			out = m.reply(userID, FallbackText)
		}
	}()

	if strings.TrimSpace(userID) == "" {
		log.Warn("Machine.Handle: message without user id dropped")
		return nil
	}
	if IsResetCommand(text) {
		return m.Reset(ctx, userID)
	}

	loadCtx, cancel := context.WithTimeout(ctx, DefaultStoreTimeout)
	sess, err := m.store.Get(loadCtx, userID)
	cancel()
	if err != nil {
		log.Error("Machine.Handle: failed to load session", "error", err)
		return m.reply(userID, FallbackText)
	}
	fresh := sess == nil
	if fresh {
		s := models.NewSession(userID, 0, m.opts.Now())
		sess = &s
		log.Info("Machine.Handle: new session")
	}
	before := sess.State
	beforeEmergency := sess.Emergency

	bodies, extra := m.step(ctx, log, sess, text, fresh)

	if ctx.Err() != nil {
		log.Info("Machine.Handle: turn cancelled, dropping reply", "error", ctx.Err())
		return nil
	}

	sess.UpdatedAt = m.opts.Now()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultStoreTimeout)
	defer cancel()
	if err := m.store.Save(saveCtx, *sess); err != nil {
		if errors.Is(err, store.ErrStaleGeneration) {
			log.Info("Machine.Handle: session was reset during the turn, dropping reply")
			return nil
		}
		log.Error("Machine.Handle: failed to save session", "error", err)
	}

	log.Debug("Machine.Handle: transition",
		"from", before, "to", sess.State,
		"emergencyFrom", beforeEmergency, "emergencyTo", sess.Emergency,
		"intakeStep", sess.IntakeStep)
	return append(m.reply(userID, bodies...), extra...)
}

// Reset clears the session of userID and returns the welcome message.
func (m *Machine) Reset(ctx context.Context, userID string) []models.Outgoing {
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultStoreTimeout)
	defer cancel()
	fresh, err := m.store.Reset(resetCtx, userID)
	if err != nil {
		slog.Error("Machine.Reset: failed to reset session", "error", err, "userID", userID)
		return m.reply(userID, FallbackText)
	}
	slog.Info("Machine.Reset: session reset", "userID", userID, "generation", fresh.Generation)
	return m.reply(userID, m.pick(WelcomeVariants))
}

// step applies one transition to sess. extra carries messages for other recipients.
func (m *Machine) step(ctx context.Context, log *slog.Logger, sess *models.Session, text string, fresh bool) (bodies []string, extra []models.Outgoing) {
	text = strings.TrimSpace(text)
	if err := validateInput(text); err != nil {
		log.Debug("Machine.step: input rejected", "error", err)
		if errors.Is(err, models.ErrMessageTooLong) {
			return []string{TooLongReprompt}, nil
		}
		if fresh {
			return []string{m.pick(WelcomeVariants)}, nil
		}
		return []string{m.repromptFor(sess)}, nil
	}

	dangerous := m.opts.Danger.IsDangerous(text)
	if dangerous {
		return []string{m.escalate(log, sess)}, nil
	}
	if sess.InEmergency() {
		if !m.emergencyExpired(sess) {
			return []string{m.emergencyReply(log, sess)}, nil
		}
		log.Info("Machine.step: emergency timed out, resuming conversation", "emergency", sess.Emergency)
		sess.Emergency = models.EmergencyNone
		sess.EmergencyAt = time.Time{}
	}

	if id, ok := ParsePersonaCommand(text); ok {
		return []string{m.selectPersona(log, sess, id)}, nil
	}

	switch sess.State {
	case models.StateAwaitingName:
		return []string{m.handleName(sess, text, fresh)}, nil
	case models.StateAwaitingChoice:
		return m.handleChoice(ctx, log, sess, text)
	case models.StateAwaitingIntake:
		return []string{m.handleIntake(ctx, log, sess, text)}, nil
	case models.StateChatting:
		return m.handleChat(ctx, log, sess, text)
	default:
		log.Warn("Machine.step: unknown state, restarting onboarding", "state", sess.State)
		sess.State = models.StateAwaitingName
		return []string{m.pick(WelcomeVariants)}, nil
	}
}

// selectPersona records the persona chosen by the user. The state is left as is.
func (m *Machine) selectPersona(log *slog.Logger, sess *models.Session, id string) string {
	available := strings.Join(m.opts.Personas.IDs(), ", ")
	if id == "" {
		return fmt.Sprintf(PersonaList, available)
	}
	p, ok := m.opts.Personas.Get(id)
	if !ok {
		log.Info("Machine.selectPersona: unknown persona requested", "personaID", id)
		return fmt.Sprintf(PersonaUnknown, id, available)
	}
	log.Info("Machine.selectPersona: persona selected", "from", sess.Profile.PersonaID, "to", p.ID)
	sess.Profile.PersonaID = p.ID
	return fmt.Sprintf(PersonaSelected, p.ID)
}

func validateInput(text string) error {
	if text == "" {
		return fmt.Errorf("%w: %w", ErrInput, models.ErrEmptyMessage)
	}
	if len(text) > models.MaxMessageLength {
		return fmt.Errorf("%w: %w", ErrInput, models.ErrMessageTooLong)
	}
	return nil
}

// escalate handles a danger signal. It pre-empts every other state.
func (m *Machine) escalate(log *slog.Logger, sess *models.Session) string {
	sess.EmergencyAt = m.opts.Now()
	switch sess.Emergency {
	case models.EmergencyNone:
		sess.Emergency = models.EmergencyAsked
		log.Warn("Machine.escalate: danger signal, safety check sent", "state", sess.State)
		return SafetyCheckText
	default:
		sess.Emergency = models.EmergencyReferred
		log.Warn("Machine.escalate: repeated danger signal, emergency numbers sent", "state", sess.State)
		return EmergencyText
	}
}

func (m *Machine) emergencyReply(log *slog.Logger, sess *models.Session) string {
	if sess.Emergency == models.EmergencyAsked {
		sess.Emergency = models.EmergencyReferred
		log.Warn("Machine.emergencyReply: emergency numbers sent")
		return EmergencyText
	}
	return m.pick(CheckInVariants)
}

func (m *Machine) emergencyExpired(sess *models.Session) bool {
	if m.opts.EmergencyTimeout <= 0 || sess.EmergencyAt.IsZero() {
		return false
	}
	return m.opts.Now().Sub(sess.EmergencyAt) >= m.opts.EmergencyTimeout
}

func (m *Machine) handleName(sess *models.Session, text string, fresh bool) string {
	name, ok := ExtractName(text)
	anonymous := false
	if !ok {
		switch {
		case DeclinesName(text):
			anonymous = true
		case fresh:
			// First contact: the name question has not been asked yet.
			return m.pick(WelcomeVariants)
		default:
			sess.NameAttempts++
			if sess.NameAttempts < MaxNameAttempts {
				return NameReprompt
			}
			anonymous = true
		}
	}
	if anonymous {
		name = prompt.FallbackName
	}
	sess.Profile.Name = name
	sess.NameAttempts = 0

	if m.opts.AskChoice {
		sess.State = models.StateAwaitingChoice
		if anonymous {
			return anonymousAccepted
		}
		return nameAccepted(name)
	}
	sess.State = models.StateAwaitingIntake
	sess.IntakeStep = 1
	sess.Profile.Guided = true
	return intakeOpening(name, anonymous)
}

func (m *Machine) handleChoice(ctx context.Context, log *slog.Logger, sess *models.Session, text string) ([]string, []models.Outgoing) {
	intent := ClassifyIntent(text)
	words := len(util.Words(text))
	log.Debug("Machine.handleChoice: intent classified", "intent", intent)

	switch {
	case intent == IntentGuided && words <= 2*shortAnswerWords:
		sess.Profile.Guided = true
		sess.State = models.StateAwaitingIntake
		sess.IntakeStep = 1
		return []string{GuidedStart + IntakeQuestions[0]}, nil
	case words <= shortAnswerWords && intent == IntentFreeForm:
		sess.State = models.StateChatting
		return []string{ListenText}, nil
	case words <= shortAnswerWords:
		return []string{ChoiceReprompt}, nil
	default:
		// A longer message is the story itself.
		sess.State = models.StateChatting
		return m.handleChat(ctx, log, sess, text)
	}
}

func (m *Machine) handleIntake(ctx context.Context, log *slog.Logger, sess *models.Session, text string) string {
	step := sess.IntakeStep
	if step < 1 || step > models.IntakeSteps {
		step = 1
	}
	switch step {
	case 1:
		sess.Profile.EmotionalState = text
	case 2:
		sess.Profile.SupportNetwork = text
	case 3:
		sess.Profile.PrimaryNeed = text
	}
	if step < models.IntakeSteps {
		sess.IntakeStep = step + 1
		return IntakeQuestions[step]
	}

	sess.IntakeStep = 0
	sess.State = models.StateChatting
	m.prefetch(ctx, log, sess)
	log.Info("Machine.handleIntake: intake complete", "prefetched", sess.Prefetch != nil)
	return intakeDone(sess.Profile.Name)
}

// prefetch runs one retrieval keyed on the intake answers. Failures leave no pre-fetch.
func (m *Machine) prefetch(ctx context.Context, log *slog.Logger, sess *models.Session) {
	if m.opts.Retriever == nil || !m.opts.Retriever.Enabled() {
		return
	}
	p := sess.Profile
	query := intakeQuery(p.EmotionalState, p.SupportNetwork, p.PrimaryNeed)
	rc, err := m.opts.Retriever.Retrieve(ctx, query, m.opts.TopK)
	if err != nil {
		log.Warn("Machine.prefetch: retrieval unavailable, continuing without context", "error", err)
		return
	}
	sess.Prefetch = &rc
}

func (m *Machine) handleChat(ctx context.Context, log *slog.Logger, sess *models.Session, text string) ([]string, []models.Outgoing) {
	if WantsNoQuestions(text) && !sess.Profile.NoQuestions {
		sess.Profile.NoQuestions = true
		log.Info("Machine.handleChat: user asked for no more questions")
	}
	sess.AppendTurn(models.Turn{Role: models.RoleUser, Content: text, Timestamp: m.opts.Now()}, m.opts.MaxStoredHistory)

	retrieved := sess.TakePrefetch()
	if retrieved != nil {
		log.Debug("Machine.handleChat: using intake pre-fetch", "records", len(retrieved.Records))
	} else if m.opts.Retriever != nil && m.opts.Retriever.Enabled() && m.opts.Gate.ShouldRetrieve(text) {
		rc, err := m.opts.Retriever.Retrieve(ctx, text, m.opts.TopK)
		if err != nil {
			log.Warn("Machine.handleChat: retrieval unavailable, continuing without context", "error", err)
		} else {
			retrieved = &rc
		}
	}

	pr := prompt.Build(prompt.Input{
		Profile:   sess.Profile,
		History:   sess.History,
		Retrieved: retrieved,
		Persona:   m.opts.Personas.Resolve(sess.Profile.PersonaID),
		MaxTurns:  m.opts.MaxTurns,
	})

	start := time.Now()
	reply, err := m.completer.Complete(ctx, genai.Request{System: pr.System, Turns: pr.Turns})
	if err != nil {
		sess.AppendTurn(models.Turn{Role: models.RoleAssistant, Content: FallbackText, Timestamp: m.opts.Now()}, m.opts.MaxStoredHistory)
		return []string{FallbackText}, m.completionFailed(ctx, log, err)
	}
	log.Info("Machine.handleChat: reply generated", "elapsed", time.Since(start), "retrieved", !retrieved.Empty())
	sess.AppendTurn(models.Turn{Role: models.RoleAssistant, Content: reply, Timestamp: m.opts.Now()}, m.opts.MaxStoredHistory)
	return []string{reply}, nil
}

// completionFailed logs a model failure and returns the operator alert when one is due.
func (m *Machine) completionFailed(ctx context.Context, log *slog.Logger, err error) []models.Outgoing {
	switch {
	case errors.Is(err, genai.ErrAuth):
		log.Error("Machine.handleChat: LLM credentials rejected, operator action required", "error", err)
		if m.opts.OperatorID != "" {
			return []models.Outgoing{{To: m.opts.OperatorID, Body: OperatorAuthAlert}}
		}
	case ctx.Err() != nil:
		log.Info("Machine.handleChat: completion cancelled", "error", err)
	case errors.Is(err, genai.ErrExhaustedRetries):
		log.Warn("Machine.handleChat: LLM retries exhausted", "error", err)
	default:
		log.Error("Machine.handleChat: completion failed", "error", err)
	}
	return nil
}

// repromptFor returns the neutral re-prompt of the current state.
func (m *Machine) repromptFor(sess *models.Session) string {
	if sess.InEmergency() {
		return m.pick(CheckInVariants)
	}
	switch sess.State {
	case models.StateAwaitingName:
		return NameReprompt
	case models.StateAwaitingChoice:
		return ChoiceReprompt
	case models.StateAwaitingIntake:
		step := sess.IntakeStep
		if step < 1 || step > models.IntakeSteps {
			step = 1
		}
		return IntakeReprompt + IntakeQuestions[step-1]
	default:
		return EmptyReprompt
	}
}

func (m *Machine) reply(to string, bodies ...string) []models.Outgoing {
	out := make([]models.Outgoing, 0, len(bodies))
	for _, b := range bodies {
		if strings.TrimSpace(b) == "" {
			continue
		}
		out = append(out, models.Outgoing{To: to, Body: b})
	}
	return out
}

func (m *Machine) pick(options []string) string {
	m.randMu.Lock()
	defer m.randMu.Unlock()
	return util.Pick(m.opts.Rand, options)
}
