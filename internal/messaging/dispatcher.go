package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sophia-care/sophia/internal/models"
	"github.com/sophia-care/sophia/internal/session"
	"github.com/sophia-care/sophia/internal/store"
	"github.com/sophia-care/sophia/internal/util"
)

// Dispatcher defaults
const (
	// DefaultTurnTimeout bounds one conversational turn, retries included.
	DefaultTurnTimeout = 3 * time.Minute
	// DefaultSendTimeout bounds one outbound delivery.
	DefaultSendTimeout = 30 * time.Second
	// DefaultMaxPending caps the messages queued for one user.
	DefaultMaxPending = 20
	// dedupTimeout bounds one dedup lookup.
	dedupTimeout = 5 * time.Second
)

// Handler runs conversational turns.
type Handler interface {
	Handle(ctx context.Context, userID, text string) []models.Outgoing
	Reset(ctx context.Context, userID string) []models.Outgoing
}

// DispatcherOpts holds configuration options for the Dispatcher.
type DispatcherOpts struct {
	Dedup       store.DedupRepo
	TurnTimeout time.Duration
	SendTimeout time.Duration
	MaxPending  int
	IsReset     func(text string) bool
}

// DispatcherOption defines a configuration option for the Dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithDedup drops inbound messages whose id was already recorded.
func WithDedup(repo store.DedupRepo) DispatcherOption {
	return func(o *DispatcherOpts) { o.Dedup = repo }
}

// WithTurnTimeout bounds each turn.
func WithTurnTimeout(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) {
		if d > 0 {
			o.TurnTimeout = d
		}
	}
}

// WithDispatchSendTimeout bounds each outbound delivery.
func WithDispatchSendTimeout(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) {
		if d > 0 {
			o.SendTimeout = d
		}
	}
}

// WithMaxPending caps the per-user queue. Messages beyond it are dropped.
func WithMaxPending(n int) DispatcherOption {
	return func(o *DispatcherOpts) {
		if n > 0 {
			o.MaxPending = n
		}
	}
}

// queued is one unit of work of a user queue: a message turn or a reset.
type queued struct {
	resp  models.Response
	reset bool
}

// userQueue holds the pending work of one user and the cancel func of the
// turn in flight.
type userQueue struct {
	pending []queued
	cancel  context.CancelFunc
}

// Dispatcher routes inbound messages to the Handler: turns of one user run
// strictly in arrival order, turns of different users run in parallel.
type Dispatcher struct {
	svc     Service
	handler Handler
	opts    DispatcherOpts

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	idle    *sync.Cond
	queues  map[string]*userQueue
	stopped bool
	wg      sync.WaitGroup
	once    sync.Once
}

// NewDispatcher creates a Dispatcher delivering replies through svc.
func NewDispatcher(svc Service, handler Handler, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{
		TurnTimeout: DefaultTurnTimeout,
		SendTimeout: DefaultSendTimeout,
		MaxPending:  DefaultMaxPending,
		IsReset:     session.IsResetCommand,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		svc:     svc,
		handler: handler,
		opts:    cfg,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*userQueue),
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Run consumes the service's Responses channel until it is closed or ctx is
// done, then stops the dispatcher and waits for running turns. When the
// channel closes, queued work is finished first unless ctx is done meanwhile.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Dispatcher.Run: started")
	defer d.Stop()
	for {
		select {
		case resp, ok := <-d.svc.Responses():
			if !ok {
				slog.Info("Dispatcher.Run: responses channel closed, finishing queued turns")
				stop := context.AfterFunc(ctx, d.Stop)
				defer stop()
				d.waitIdle()
				return nil
			}
			d.Submit(ctx, resp)
		case <-ctx.Done():
			return nil
		}
	}
}

// Submit routes one inbound message. Reset commands replace the sender's
// queue; other messages join it.
func (d *Dispatcher) Submit(ctx context.Context, resp models.Response) {
	if err := resp.Validate(); err != nil {
		slog.Warn("Dispatcher.Submit: rejected inbound message", "error", err)
		return
	}
	userID, err := d.svc.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		slog.Warn("Dispatcher.Submit: invalid sender", "error", err)
		return
	}
	resp.From = userID

	if d.duplicate(ctx, resp) {
		slog.Info("Dispatcher.Submit: duplicate message dropped", "userID", userID, "messageID", resp.MessageID)
		return
	}

	if d.opts.IsReset(resp.Body) {
		d.reset(resp)
		return
	}
	d.enqueue(resp)
}

func (d *Dispatcher) duplicate(ctx context.Context, resp models.Response) bool {
	if d.opts.Dedup == nil || resp.MessageID == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, dedupTimeout)
	defer cancel()
	fresh, err := d.opts.Dedup.RecordInbound(ctx, resp.MessageID, resp.From)
	if err != nil {
		slog.Error("Dispatcher.duplicate: dedup lookup failed, processing anyway", "userID", resp.From, "messageID", resp.MessageID, "error", err)
		return false
	}
	return !fresh
}

func (d *Dispatcher) markProcessed(resp models.Response) {
	if d.opts.Dedup == nil || resp.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), dedupTimeout)
	defer cancel()
	if err := d.opts.Dedup.MarkProcessed(ctx, resp.MessageID); err != nil {
		slog.Warn("Dispatcher.markProcessed: failed", "messageID", resp.MessageID, "error", err)
	}
}

// Reset drops the user's pending messages, cancels the turn in flight and
// queues a session reset ahead of any later message of the user. It does not
// wait for the reset to run.
func (d *Dispatcher) Reset(userID string) {
	d.reset(models.Response{From: userID})
}

func (d *Dispatcher) reset(resp models.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	q := d.queueLocked(resp.From)
	dropped := len(q.pending)
	q.pending = []queued{{resp: resp, reset: true}}
	if q.cancel != nil {
		q.cancel()
	}
	slog.Info("Dispatcher.Reset: cancelled pending work", "userID", resp.From, "dropped", dropped, "inFlight", q.cancel != nil)
}

func (d *Dispatcher) enqueue(resp models.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		slog.Warn("Dispatcher.enqueue: dispatcher stopped, dropping message", "userID", resp.From)
		return
	}
	q := d.queueLocked(resp.From)
	if len(q.pending) >= d.opts.MaxPending {
		slog.Warn("Dispatcher.enqueue: queue full, dropping message", "userID", resp.From, "pending", len(q.pending))
		return
	}
	q.pending = append(q.pending, queued{resp: resp})
}

// queueLocked returns the queue of userID, starting its worker when needed.
func (d *Dispatcher) queueLocked(userID string) *userQueue {
	q, ok := d.queues[userID]
	if !ok {
		q = &userQueue{}
		d.queues[userID] = q
		d.wg.Add(1)
		go d.drain(userID, q)
	}
	return q
}

// drain runs the user's turns one at a time and removes the queue once empty.
func (d *Dispatcher) drain(userID string, q *userQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.pending) == 0 || d.stopped {
			delete(d.queues, userID)
			d.idle.Broadcast()
			d.mu.Unlock()
			return
		}
		item := q.pending[0]
		q.pending = q.pending[1:]
		ctx, cancel := context.WithTimeout(d.ctx, d.opts.TurnTimeout)
		q.cancel = cancel
		d.mu.Unlock()

		if item.reset {
			d.resetTurn(ctx, item.resp)
		} else {
			d.turn(ctx, item.resp)
		}

		d.mu.Lock()
		q.cancel = nil
		d.mu.Unlock()
		cancel()
	}
}

func (d *Dispatcher) turn(ctx context.Context, resp models.Response) {
	turnID := util.NewTurnID()
	start := time.Now()
	slog.Debug("Dispatcher.turn: started", "userID", resp.From, "turnID", turnID, "body_length", len(resp.Body))

	out := d.handler.Handle(ctx, resp.From, resp.Body)
	if ctx.Err() != nil {
		slog.Info("Dispatcher.turn: turn cancelled, replies dropped", "userID", resp.From, "turnID", turnID, "error", ctx.Err())
		return
	}
	d.deliver(out)
	d.markProcessed(resp)
	slog.Debug("Dispatcher.turn: finished", "userID", resp.From, "turnID", turnID, "replies", len(out), "duration", time.Since(start))
}

// resetTurn resets the session. The greeting is dropped when a later reset
// superseded this one.
func (d *Dispatcher) resetTurn(ctx context.Context, resp models.Response) {
	out := d.handler.Reset(ctx, resp.From)
	if ctx.Err() != nil {
		slog.Info("Dispatcher.resetTurn: reset superseded, greeting dropped", "userID", resp.From, "error", ctx.Err())
		return
	}
	d.deliver(out)
	d.markProcessed(resp)
}

func (d *Dispatcher) deliver(out []models.Outgoing) {
	for _, msg := range out {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), d.opts.SendTimeout)
		err := d.svc.SendMessage(ctx, msg.To, msg.Body)
		cancel()
		if err != nil {
			slog.Error("Dispatcher.deliver: send failed", "to", msg.To, "error", err)
		}
	}
}

// waitIdle blocks until no user has queued or running work, or the
// dispatcher is stopped.
func (d *Dispatcher) waitIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queues) > 0 && !d.stopped {
		d.idle.Wait()
	}
}

// Pending returns the number of users with queued or running turns.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Stop cancels running turns, drops queued messages and waits for workers.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.idle.Broadcast()
		d.mu.Unlock()
		d.cancel()
		d.wg.Wait()
		slog.Info("Dispatcher.Stop: stopped")
	})
}
