package await

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/cron"
	"github.com/xraph/cascade/dispatcher"
	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/flow"
	"github.com/xraph/cascade/run"
	"github.com/xraph/cascade/store"
)

// triggerPage is the index page size used when Trigger scans a flow's runs.
const triggerPage = 100

// Publisher publishes ingress records. *event.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, rec *event.Record) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWebhookBase sets the base URL and path prefix of webhook URLs.
func WithWebhookBase(baseURL, prefix string) Option {
	return func(m *Manager) {
		m.baseURL = baseURL
		m.prefix = prefix
	}
}

// WithDurableTimers also schedules fire and timeout transitions as
// delayed queue jobs.
func WithDurableTimers(enabled bool) Option {
	return func(m *Manager) { m.durable = enabled }
}

// WithUpdateRetry sets the retry policy of index updates.
func WithUpdateRetry(opts ...store.RetryOption) Option {
	return func(m *Manager) { m.retry = opts }
}

// Manager registers, resolves, times out and cleans up awaits.
type Manager struct {
	store    store.Store
	flows    *flow.Registry
	dispatch *dispatcher.Dispatcher
	bus      Publisher
	logger   *slog.Logger
	now      func() time.Time

	baseURL string
	prefix  string
	durable bool
	retry   []store.RetryOption

	timers *timers
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates an await manager.
func NewManager(s store.Store, flows *flow.Registry, d *dispatcher.Dispatcher, bus Publisher, opts ...Option) *Manager {
	cfg := cascade.DefaultConfig()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    s,
		flows:    flows,
		dispatch: d,
		bus:      bus,
		logger:   slog.Default(),
		now:      time.Now,
		baseURL:  cfg.BaseURL,
		prefix:   cfg.WebhookPrefix,
		timers:   newTimers(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close cancels every local timer. Durable timer jobs stay queued.
func (m *Manager) Close() {
	m.cancel()
	m.timers.stopAll()
}

// IsStale reports whether err means the await or its run moved on, so
// the caller should stop retrying.
func IsStale(err error) bool {
	return errors.Is(err, cascade.ErrAwaitGone) ||
		errors.Is(err, cascade.ErrAwaitNotFound) ||
		errors.Is(err, cascade.ErrRunStopped)
}

// WebhookURL returns the URL that resolves the webhook await of step.
func (m *Manager) WebhookURL(flowName, runID, step string) (string, error) {
	return url.JoinPath(m.baseURL, m.prefix, flowName, runID, step)
}

// ──────────────────────────────────────────────────
// Register
// ──────────────────────────────────────────────────

// Register stores an awaiting entry for the await of step at pos and
// arms its timers. input is kept for the resumed step job of a before
// await; blocked are the emits an after await holds back. Registering an
// await that already exists returns the stored state.
func (m *Manager) Register(ctx context.Context, flowName, runID, step string, pos flow.Position, input json.RawMessage, blocked []run.Emit) (*run.AwaitState, error) {
	def, err := m.flows.Lookup(flowName)
	if err != nil {
		return nil, err
	}
	decl, ok := def.Step(step)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", cascade.ErrStepNotFound, flowName, step)
	}
	cfg := decl.Await(pos)
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s has no %s await", cascade.ErrInvalidAwait, step, pos)
	}

	key := run.AwaitKey{Step: step, Position: pos}
	state := &run.AwaitState{
		Type:         cfg.Type,
		Position:     pos,
		Status:       run.AwaitAwaiting,
		Config:       *cfg,
		RegisteredAt: m.now(),
		Generation:   1,
		BlockedEmits: blocked,
		Input:        input,
	}
	if cfg.Type == flow.AwaitWebhook {
		if state.WebhookURL, err = m.WebhookURL(flowName, runID, step); err != nil {
			return nil, fmt.Errorf("webhook url: %w", err)
		}
	}
	if err := window(state, state.RegisteredAt); err != nil {
		return nil, err
	}

	created := false
	entry, err := store.UpdateWithRetry(ctx, m.store, store.RunIndexKey(flowName), runID, func(meta *run.Metadata) error {
		created = false
		if meta.Status != run.StatusRunning {
			return cascade.ErrRunStopped
		}
		if _, ok := meta.Await(key); ok {
			return store.ErrSkip
		}
		meta.SetAwait(key, state.Clone())
		created = true
		return nil
	}, m.retry...)
	if err != nil {
		return nil, fmt.Errorf("register await %s: %w", key, err)
	}

	stored, _ := entry.Metadata.Await(key)
	if !created {
		// Redelivered registration: make sure the timers are armed here.
		if stored.Status == run.AwaitAwaiting {
			m.arm(ctx, def, runID, key, stored)
		}
		return stored, nil
	}

	m.logger.Info("await registered",
		slog.String("run_id", runID),
		slog.String("await", key.String()),
		slog.String("type", string(cfg.Type)),
	)
	m.publish(ctx, event.AwaitRegistered, flowName, runID, step, event.AwaitData{
		Type:     string(stored.Type),
		Position: string(pos),
		URL:      stored.WebhookURL,
		FireAt:   stored.FireAt,
	})
	m.arm(ctx, def, runID, key, stored)
	return stored, nil
}

// window sets the fire time and deadline of s counted from now.
func window(s *run.AwaitState, now time.Time) error {
	s.FireAt, s.Deadline = nil, nil
	switch s.Type {
	case flow.AwaitTime:
		if s.Config.Delay > 0 {
			at := now.Add(s.Config.Delay)
			s.FireAt = &at
		}
	case flow.AwaitSchedule:
		at, err := cron.Next(s.Config.Cron, now)
		if err != nil {
			return fmt.Errorf("%w: %v", cascade.ErrInvalidAwait, err)
		}
		s.FireAt = &at
	}
	if s.Config.Timeout > 0 {
		dl := now.Add(s.Config.Timeout)
		s.Deadline = &dl
	}
	return nil
}

// ──────────────────────────────────────────────────
// Resolve
// ──────────────────────────────────────────────────

// Resolve resolves the awaiting entry at (step, pos) with payload.
func (m *Manager) Resolve(ctx context.Context, flowName, runID, step string, pos flow.Position, payload json.RawMessage) error {
	return m.resolve(ctx, flowName, runID, run.AwaitKey{Step: step, Position: pos}, 0, nil, payload)
}

// ResolveWebhook resolves the pending webhook await of step. method must
// match the await's configured method. Errors: cascade.ErrFlowNotFound
// and ErrRunNotFound when the run is unknown, ErrRunStopped and
// ErrAwaitGone when nothing awaits a webhook there, ErrMethodInvalid on
// a method mismatch.
func (m *Manager) ResolveWebhook(ctx context.Context, flowName, runID, step, method string, payload json.RawMessage) error {
	if _, err := m.flows.Lookup(flowName); err != nil {
		return err
	}
	e, err := m.store.IndexGet(ctx, store.RunIndexKey(flowName), runID)
	if err != nil {
		return err
	}
	if e.Metadata.Status != run.StatusRunning {
		return cascade.ErrRunStopped
	}

	var (
		key   run.AwaitKey
		state *run.AwaitState
	)
	for _, pos := range []flow.Position{flow.Before, flow.After} {
		k := run.AwaitKey{Step: step, Position: pos}
		if s, ok := e.Metadata.Await(k); ok && s.Status == run.AwaitAwaiting && s.Type == flow.AwaitWebhook {
			key, state = k, s
			break
		}
	}
	if state == nil {
		return cascade.ErrAwaitGone
	}
	if !strings.EqualFold(method, state.Config.WebhookMethod()) {
		return fmt.Errorf("%w: want %s", cascade.ErrMethodInvalid, state.Config.WebhookMethod())
	}
	return m.resolve(ctx, flowName, runID, key, state.Generation, acceptType(flow.AwaitWebhook), payload)
}

// Fire resolves a time or schedule await whose fire time has passed.
func (m *Manager) Fire(ctx context.Context, flowName, runID string, key run.AwaitKey, generation int) error {
	if !m.tokenMatches(ctx, runID, key, generation) {
		return cascade.ErrAwaitGone
	}
	payload, err := json.Marshal(map[string]any{"firedAt": m.now().UTC()})
	if err != nil {
		return err
	}
	return m.resolve(ctx, flowName, runID, key, generation, acceptType(flow.AwaitTime, flow.AwaitSchedule), payload)
}

func acceptType(types ...flow.AwaitType) func(*run.AwaitState) error {
	return func(s *run.AwaitState) error {
		for _, t := range types {
			if s.Type == t {
				return nil
			}
		}
		return cascade.ErrAwaitGone
	}
}

// resolve moves the await at key from awaiting to resolved. A positive
// generation must match the stored one.
func (m *Manager) resolve(ctx context.Context, flowName, runID string, key run.AwaitKey, generation int, accept func(*run.AwaitState) error, payload json.RawMessage) error {
	def, err := m.flows.Lookup(flowName)
	if err != nil {
		return err
	}

	var resolved *run.AwaitState
	_, err = store.UpdateWithRetry(ctx, m.store, store.RunIndexKey(flowName), runID, func(meta *run.Metadata) error {
		resolved = nil
		s, err := pending(meta, key, generation)
		if err != nil {
			return err
		}
		if accept != nil {
			if err := accept(s); err != nil {
				return err
			}
		}
		now := m.now()
		s.Status = run.AwaitResolved
		s.ResolvedAt = &now
		resolved = s.Clone()
		return nil
	}, m.retry...)
	if err != nil {
		return fmt.Errorf("resolve await %s: %w", key, err)
	}

	m.logger.Info("await resolved",
		slog.String("run_id", runID),
		slog.String("await", key.String()),
	)
	return m.release(ctx, def, runID, key, resolved, payload)
}

// pending returns the await at key if it is still awaiting in the given
// generation (any generation when generation <= 0).
func pending(meta *run.Metadata, key run.AwaitKey, generation int) (*run.AwaitState, error) {
	if meta.Status != run.StatusRunning {
		return nil, cascade.ErrRunStopped
	}
	s, ok := meta.Await(key)
	if !ok {
		return nil, cascade.ErrAwaitNotFound
	}
	if s.Status != run.AwaitAwaiting || (generation > 0 && s.Generation != generation) {
		return nil, cascade.ErrAwaitGone
	}
	return s, nil
}

// release unblocks what the await held: the step job of a before await,
// the emits of an after await.
func (m *Manager) release(ctx context.Context, def *flow.Definition, runID string, key run.AwaitKey, s *run.AwaitState, payload json.RawMessage) error {
	m.disarm(ctx, runID, key)
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	m.publish(ctx, event.AwaitResolved, def.Name, runID, key.Step, event.AwaitData{
		Type:     string(s.Type),
		Position: string(key.Position),
		Payload:  payload,
	})

	switch key.Position {
	case flow.Before:
		_, err := m.dispatch.Dispatch(ctx, dispatcher.Request{
			Flow:    def,
			RunID:   runID,
			Step:    key.Step,
			Input:   s.Input,
			Resumed: true,
			Trigger: payload,
		})
		if err != nil {
			return fmt.Errorf("resume step %s: %w", key.Step, err)
		}
	case flow.After:
		for _, e := range s.BlockedEmits {
			m.publish(ctx, event.Emit, def.Name, runID, key.Step, event.EmitData{Name: e.Name, Data: e.Data})
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Timeout
// ──────────────────────────────────────────────────

// Timeout applies the timeout action of the await at key, provided
// generation is still current: fail marks the step failed, continue
// resolves with an empty payload, retry restarts the await window.
func (m *Manager) Timeout(ctx context.Context, flowName, runID string, key run.AwaitKey, generation int) error {
	if !m.tokenMatches(ctx, runID, key, generation) {
		return cascade.ErrAwaitGone
	}
	def, err := m.flows.Lookup(flowName)
	if err != nil {
		return err
	}

	var (
		action flow.TimeoutAction
		after  *run.AwaitState
	)
	_, err = store.UpdateWithRetry(ctx, m.store, store.RunIndexKey(flowName), runID, func(meta *run.Metadata) error {
		after = nil
		s, err := pending(meta, key, generation)
		if err != nil {
			return err
		}
		now := m.now()
		action = s.Config.Action()
		switch action {
		case flow.TimeoutFail:
			s.Status = run.AwaitTimedOut
			s.ResolvedAt = &now
		case flow.TimeoutContinue:
			s.Status = run.AwaitResolved
			s.ResolvedAt = &now
		case flow.TimeoutRetry:
			s.Generation++
			if err := window(s, now); err != nil {
				return err
			}
		}
		after = s.Clone()
		return nil
	}, m.retry...)
	if err != nil {
		return fmt.Errorf("time out await %s: %w", key, err)
	}

	m.logger.Warn("await timed out",
		slog.String("run_id", runID),
		slog.String("await", key.String()),
		slog.String("action", string(action)),
	)
	m.publish(ctx, event.AwaitTimedOut, flowName, runID, key.Step, event.AwaitData{
		Type:     string(after.Type),
		Position: string(key.Position),
		Action:   string(action),
	})

	switch action {
	case flow.TimeoutFail:
		m.disarm(ctx, runID, key)
		m.publish(ctx, event.StepFailed, flowName, runID, key.Step, event.FailedData{
			Error: fmt.Sprintf("await %s timed out", key),
			Final: true,
		})
	case flow.TimeoutContinue:
		return m.release(ctx, def, runID, key, after, nil)
	case flow.TimeoutRetry:
		m.arm(ctx, def, runID, key, after)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Event triggers
// ──────────────────────────────────────────────────

// Trigger resolves the pending event awaits of flowName listening for
// name whose match accepts payload. With runID set only that run is
// considered; otherwise the flow's running runs are scanned. It returns
// the number of awaits resolved.
func (m *Manager) Trigger(ctx context.Context, flowName, runID, name string, payload json.RawMessage) (int, error) {
	def, err := m.flows.Lookup(flowName)
	if err != nil {
		return 0, err
	}
	if !ListensFor(def, name) {
		return 0, nil
	}

	if runID != "" {
		e, err := m.store.IndexGet(ctx, store.RunIndexKey(flowName), runID)
		if err != nil {
			return 0, err
		}
		return m.triggerRun(ctx, def, e, name, payload)
	}

	var (
		total int
		errs  []error
	)
	for offset := 0; ; offset += triggerPage {
		entries, err := m.store.IndexRead(ctx, store.RunIndexKey(flowName), offset, triggerPage)
		if err != nil {
			return total, err
		}
		for _, e := range entries {
			n, err := m.triggerRun(ctx, def, e, name, payload)
			total += n
			if err != nil {
				errs = append(errs, err)
			}
		}
		if len(entries) < triggerPage {
			break
		}
	}
	return total, errors.Join(errs...)
}

func (m *Manager) triggerRun(ctx context.Context, def *flow.Definition, e *run.Entry, name string, payload json.RawMessage) (int, error) {
	if e.Metadata.Status != run.StatusRunning {
		return 0, nil
	}
	var (
		n    int
		errs []error
	)
	for _, key := range e.Metadata.PendingAwaits() {
		s := e.Metadata.Awaiting[key]
		if s.Type != flow.AwaitEvent || s.Config.Event != name || !Matches(s.Config.Match, payload) {
			continue
		}
		err := m.resolve(ctx, def.Name, e.RunID, key, s.Generation, acceptType(flow.AwaitEvent), payload)
		switch {
		case err == nil:
			n++
		case IsStale(err):
		default:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// ListensFor reports whether any step of def has an event await on name.
func ListensFor(def *flow.Definition, name string) bool {
	for _, decl := range def.Steps {
		for _, cfg := range []*flow.AwaitConfig{decl.AwaitBefore, decl.AwaitAfter} {
			if cfg != nil && cfg.Type == flow.AwaitEvent && cfg.Event == name {
				return true
			}
		}
	}
	return false
}

// ──────────────────────────────────────────────────
// Cleanup
// ──────────────────────────────────────────────────

// Cleanup tears down every pending await of a finished run and resets
// its await map. Failures are logged per await and never returned.
func (m *Manager) Cleanup(ctx context.Context, flowName, runID string) {
	e, err := m.store.IndexGet(ctx, store.RunIndexKey(flowName), runID)
	if err != nil {
		m.logger.Warn("await cleanup: load run",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, key := range e.Metadata.PendingAwaits() {
		s := e.Metadata.Awaiting[key]
		m.disarm(ctx, runID, key)
		m.logger.Debug("await torn down",
			slog.String("run_id", runID),
			slog.String("await", key.String()),
			slog.String("type", string(s.Type)),
		)
	}

	_, err = store.UpdateWithRetry(ctx, m.store, store.RunIndexKey(flowName), runID, func(meta *run.Metadata) error {
		if len(meta.Awaiting) == 0 {
			return store.ErrSkip
		}
		meta.Awaiting = map[run.AwaitKey]*run.AwaitState{}
		return nil
	}, m.retry...)
	if err != nil {
		m.logger.Warn("await cleanup: reset awaits",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
}

// ──────────────────────────────────────────────────
// Timers
// ──────────────────────────────────────────────────

// arm schedules the fire and timeout transitions of s locally and, with
// durable timers, on the queue. The generation token in the KV store lets
// stale timers bail out before touching the index.
func (m *Manager) arm(ctx context.Context, def *flow.Definition, runID string, key run.AwaitKey, s *run.AwaitState) {
	if s.FireAt == nil && s.Deadline == nil {
		return
	}
	now := m.now()
	gen := s.Generation
	last := now

	if s.FireAt != nil {
		delay := max(s.FireAt.Sub(now), 0)
		last = *s.FireAt
		m.timers.arm(timerKey{runID: runID, key: key, kind: timerFire}, delay, func() {
			m.fired("fire", m.Fire(m.ctx, def.Name, runID, key, gen), runID, key)
		})
		if m.durable {
			if _, err := m.dispatch.ScheduleAwaitFire(ctx, def, runID, key.Step, key.Position, gen, delay); err != nil {
				m.logger.Warn("schedule durable await fire", slog.String("run_id", runID), slog.String("error", err.Error()))
			}
		}
	}
	if s.Deadline != nil {
		delay := max(s.Deadline.Sub(now), 0)
		if s.Deadline.After(last) {
			last = *s.Deadline
		}
		m.timers.arm(timerKey{runID: runID, key: key, kind: timerTimeout}, delay, func() {
			m.fired("timeout", m.Timeout(m.ctx, def.Name, runID, key, gen), runID, key)
		})
		if m.durable {
			if _, err := m.dispatch.ScheduleAwaitTimeout(ctx, def, runID, key.Step, key.Position, gen, delay); err != nil {
				m.logger.Warn("schedule durable await timeout", slog.String("run_id", runID), slog.String("error", err.Error()))
			}
		}
	}

	ttl := last.Sub(now) + time.Hour
	if err := m.store.Set(ctx, tokenKey(runID, key), []byte(strconv.Itoa(gen)), ttl); err != nil {
		m.logger.Warn("store await token", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
}

func (m *Manager) fired(kind string, err error, runID string, key run.AwaitKey) {
	if err == nil || IsStale(err) || errors.Is(err, context.Canceled) {
		return
	}
	m.logger.Error("await timer failed",
		slog.String("timer", kind),
		slog.String("run_id", runID),
		slog.String("await", key.String()),
		slog.String("error", err.Error()),
	)
}

// disarm stops the local timers of an await and drops its token.
func (m *Manager) disarm(ctx context.Context, runID string, key run.AwaitKey) {
	m.timers.stop(runID, key)
	if err := m.store.Delete(ctx, tokenKey(runID, key)); err != nil {
		m.logger.Warn("delete await token", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
}

// tokenMatches reports false only when the token store positively shows
// generation is stale. Read errors fall through to the index check.
func (m *Manager) tokenMatches(ctx context.Context, runID string, key run.AwaitKey, generation int) bool {
	raw, err := m.store.Get(ctx, tokenKey(runID, key))
	if errors.Is(err, cascade.ErrKeyNotFound) {
		return false
	}
	if err != nil {
		return true
	}
	return string(raw) == strconv.Itoa(generation)
}

func tokenKey(runID string, key run.AwaitKey) string {
	return "await:" + runID + ":" + key.String()
}

func (m *Manager) publish(ctx context.Context, t event.Type, flowName, runID, step string, data any) {
	rec, err := event.New(t, runID, flowName, data)
	if err != nil {
		m.logger.Error("encode event", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	rec.StepName = step
	if err := m.bus.Publish(ctx, rec); err != nil {
		m.logger.Error("publish event",
			slog.String("type", string(t)),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
}
