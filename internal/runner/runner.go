// Package runner provides the session scheduler that orchestrates simulated
// sessions under a concurrency bound, in batch or continuous mode.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/sessionsim/internal/metrics"
	"github.com/example/sessionsim/internal/scenario"
	"github.com/example/sessionsim/internal/traffic"
	"github.com/example/sessionsim/internal/userpool"
)

// Errors returned by the runner package.
var (
	// ErrInvalidConfig is returned when the scheduler configuration is invalid.
	ErrInvalidConfig = errors.New("runner: invalid configuration")
	// ErrMissingDependency is returned when a required collaborator is absent.
	ErrMissingDependency = errors.New("runner: missing dependency")
	// ErrAlreadyRunning is returned when a run is started on a busy scheduler.
	ErrAlreadyRunning = errors.New("runner: scheduler already running")
)

// drainPollInterval is how often the drain loop re-checks the in-flight
// count while waiting for sessions to finish.
const drainPollInterval = 250 * time.Millisecond

// Config tunes the session scheduler.
type Config struct {
	// IntervalSeconds is the admission tick period in continuous mode.
	// Default: 30
	IntervalSeconds int `yaml:"intervalSeconds" json:"intervalSeconds"`

	// MaxConcurrent bounds the number of in-flight sessions.
	// Default: 3
	MaxConcurrent int `yaml:"maxConcurrent" json:"maxConcurrent"`
}

// Validate validates the scheduler configuration.
func (c *Config) Validate() error {
	if c.IntervalSeconds < 0 {
		return fmt.Errorf("%w: intervalSeconds must be non-negative", ErrInvalidConfig)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("%w: maxConcurrent must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.IntervalSeconds == 0 {
		c.IntervalSeconds = 30
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 3
	}
}

// Interval returns the continuous-mode tick period as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// State is the scheduler lifecycle state.
type State int32

// Scheduler states.
const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is the immutable work order handed to the executor: a virtual
// user, an acquisition channel, and a timed event sequence.
type Session struct {
	// ID uniquely identifies the session.
	ID string

	// User is the virtual user driving this session. Owned by the pool;
	// the scheduler only passes it through.
	User *userpool.User

	// Source is the acquisition channel attributed to this session.
	Source traffic.Source

	// Scenario is the funnel archetype this session plays out.
	Scenario scenario.Type

	// Events is the timed event sequence, fixed at generation time.
	Events []scenario.TimedEvent

	// Timing carries the pacing configuration for the executor.
	Timing scenario.Timing
}

// EventNames returns the planned event names in order.
func (s *Session) EventNames() []string {
	names := make([]string, len(s.Events))
	for i, te := range s.Events {
		names[i] = te.Event.String()
	}
	return names
}

// SessionResult reports one finished session. Results are consumed for
// logging and statistics only; they are never persisted.
type SessionResult struct {
	// SessionID echoes the session id.
	SessionID string

	// Success reports whether the full event sequence was replayed.
	Success bool

	// EventCount is the number of events actually triggered.
	EventCount int

	// Duration is the wall-clock session length.
	Duration time.Duration

	// State is the extracted browser storage state, nil on failure.
	State []byte

	// Err is the failure cause, nil on success.
	Err error
}

// Executor drives one browser session end to end. Implementations must catch
// every failure at their boundary and report it through the result; the
// scheduler never retries and never aborts other work on a failure.
type Executor interface {
	RunSession(ctx context.Context, sess *Session) SessionResult
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, sess *Session) SessionResult

// RunSession calls f.
func (f ExecutorFunc) RunSession(ctx context.Context, sess *Session) SessionResult {
	return f(ctx, sess)
}

// Deps holds the scheduler's collaborators.
type Deps struct {
	// Engine selects and expands scenarios. Required.
	Engine *scenario.Engine

	// Funnel is the scenario distribution.
	Funnel scenario.FunnelRates

	// Timing is the session pacing configuration.
	Timing scenario.Timing

	// Sources selects traffic sources. Required.
	Sources *traffic.Selector

	// Pool supplies virtual users and persists their state. Required.
	Pool *userpool.Pool

	// Executor runs sessions. Required.
	Executor Executor

	// Collector accumulates run statistics. Optional.
	Collector *metrics.Collector

	// Exporter feeds the Prometheus endpoint. Optional.
	Exporter *metrics.Exporter

	// Logger is the structured logger. Optional.
	Logger *zap.Logger
}

// BatchResult summarizes one batch invocation. Total counts sessions
// attempted, not sessions succeeded.
type BatchResult struct {
	Total      int
	Successful int
	Failed     int
	Duration   time.Duration
}

// Scheduler orchestrates session execution. Admission and completion both
// happen on the scheduling goroutine; only the executor itself runs
// concurrently, so pool writes are applied in completion order by a single
// writer.
type Scheduler struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	state   atomic.Int32
	running atomic.Int32
}

// sessionOutcome pairs a finished session with its result on the
// completion channel.
type sessionOutcome struct {
	sess *Session
	res  SessionResult
}

// New creates a scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if deps.Engine == nil {
		return nil, fmt.Errorf("%w: scenario engine", ErrMissingDependency)
	}
	if deps.Sources == nil {
		return nil, fmt.Errorf("%w: traffic selector", ErrMissingDependency)
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("%w: user pool", ErrMissingDependency)
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("%w: session executor", ErrMissingDependency)
	}
	if deps.Collector == nil {
		deps.Collector = metrics.NewCollector()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Scheduler{cfg: cfg, deps: deps, log: deps.Logger}
	s.state.Store(int32(StateIdle))
	return s, nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Running returns the number of in-flight sessions.
func (s *Scheduler) Running() int {
	return int(s.running.Load())
}

// Collector returns the statistics collector for this scheduler.
func (s *Scheduler) Collector() *metrics.Collector {
	return s.deps.Collector
}

// begin moves the scheduler into the running state.
func (s *Scheduler) begin() error {
	cur := State(s.state.Load())
	if cur == StateRunning || cur == StateDraining {
		return ErrAlreadyRunning
	}
	s.state.Store(int32(StateRunning))
	return nil
}

// RunBatch runs a fixed number of sessions and returns once every admitted
// session has completed. Sessions are admitted while the in-flight count is
// below the concurrency bound; every completion, successful or failed, frees
// a slot and triggers another admission attempt. Cancellation is observed
// once per admission decision: a cancelled context stops further admissions
// but in-flight sessions run to completion.
func (s *Scheduler) RunBatch(ctx context.Context, total int) (BatchResult, error) {
	if total <= 0 {
		return BatchResult{}, fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	}
	if err := s.begin(); err != nil {
		return BatchResult{}, err
	}

	start := time.Now()
	done := make(chan sessionOutcome)
	admitted, completed := 0, 0
	result := BatchResult{}

	s.log.Info("starting batch",
		zap.Int("sessions", total),
		zap.Int("maxConcurrent", s.cfg.MaxConcurrent))

	admit := func() {
		for admitted < total &&
			int(s.running.Load()) < s.cfg.MaxConcurrent &&
			ctx.Err() == nil {
			s.launch(ctx, done)
			admitted++
		}
	}

	admit()
	for completed < admitted {
		out := <-done
		completed++
		if s.handleCompletion(out) {
			result.Successful++
		} else {
			result.Failed++
		}
		admit()
	}

	s.state.Store(int32(StateStopped))

	result.Total = completed
	result.Duration = time.Since(start)
	s.log.Info("batch complete",
		zap.Int("total", result.Total),
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.Duration))

	return result, ctx.Err()
}

// RunContinuous admits one session per tick while the in-flight count is
// below the concurrency bound, until the context is cancelled. Cancellation
// is checked once per tick; the scheduler then drains, polling until every
// in-flight session has finished. In-flight sessions are never cancelled.
func (s *Scheduler) RunContinuous(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}

	s.log.Info("starting continuous mode",
		zap.Duration("interval", s.cfg.Interval()),
		zap.Int("maxConcurrent", s.cfg.MaxConcurrent))

	done := make(chan sessionOutcome)
	tick := s.startTicker(ctx)

	for {
		select {
		case out := <-done:
			s.handleCompletion(out)

		case <-ctx.Done():
			s.drain(done)
			return nil

		case <-tick:
			if int(s.running.Load()) < s.cfg.MaxConcurrent {
				s.launch(ctx, done)
			} else {
				s.log.Debug("tick skipped, concurrency bound reached",
					zap.Int("running", int(s.running.Load())))
			}
		}
	}
}

// startTicker paces continuous-mode admission at the configured interval.
// The limiter, rather than a raw ticker, keeps ticks from bunching up after
// a stall.
func (s *Scheduler) startTicker(ctx context.Context) <-chan struct{} {
	limiter := rate.NewLimiter(rate.Every(s.cfg.Interval()), 1)
	tick := make(chan struct{}, 1)

	go func() {
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			select {
			case tick <- struct{}{}:
			default:
			}
		}
	}()

	return tick
}

// drain waits for every in-flight session to finish, then stops.
func (s *Scheduler) drain(done chan sessionOutcome) {
	s.state.Store(int32(StateDraining))
	s.log.Info("stop requested, draining in-flight sessions",
		zap.Int("running", int(s.running.Load())))

	poll := time.NewTicker(drainPollInterval)
	defer poll.Stop()

	for s.running.Load() > 0 {
		select {
		case out := <-done:
			s.handleCompletion(out)
		case <-poll.C:
		}
	}

	s.state.Store(int32(StateStopped))
	s.log.Info("scheduler stopped")
}

// launch assembles a session from the pool, the traffic selector and the
// scenario engine, and hands it to the executor on its own goroutine.
func (s *Scheduler) launch(ctx context.Context, done chan<- sessionOutcome) {
	user := s.deps.Pool.GetUser()
	source := s.deps.Sources.Select()
	scenarioType := s.deps.Engine.SelectType(s.deps.Funnel)

	sess := &Session{
		ID:       uuid.NewString(),
		User:     user,
		Source:   source,
		Scenario: scenarioType,
		Events:   s.deps.Engine.Expand(scenarioType, s.deps.Timing),
		Timing:   s.deps.Timing,
	}

	s.running.Add(1)
	if s.deps.Exporter != nil {
		s.deps.Exporter.SetActiveSessions(int(s.running.Load()))
	}

	s.log.Info("session starting",
		zap.String("session", sess.ID),
		zap.String("user", user.ID),
		zap.Bool("newUser", user.IsNew),
		zap.Stringer("scenario", scenarioType),
		zap.Int("events", len(sess.Events)),
		zap.String("traffic", traffic.Describe(source)))

	go func() {
		res := s.deps.Executor.RunSession(ctx, sess)
		done <- sessionOutcome{sess: sess, res: res}
	}()
}

// handleCompletion applies one session outcome: it frees the concurrency
// slot, feeds the browser state back into the pool, and records statistics.
// Runs on the scheduling goroutine, so pool writes stay serialized.
// Returns whether the session succeeded.
func (s *Scheduler) handleCompletion(out sessionOutcome) bool {
	s.running.Add(-1)

	sess, res := out.sess, out.res

	// Only events the executor actually triggered count; a failed session
	// contributes its replayed prefix, not the full plan.
	events := sess.EventNames()
	if res.EventCount >= 0 && res.EventCount < len(events) {
		events = events[:res.EventCount]
	}

	if res.Success {
		if res.State != nil {
			if err := s.deps.Pool.SaveUserState(sess.User, res.State); err != nil {
				// No fallback path exists for a failed index write; the
				// pool entry for this session is lost.
				s.log.Error("persisting user state failed",
					zap.String("session", sess.ID),
					zap.String("user", sess.User.ID),
					zap.Error(err))
				s.deps.Collector.RecordPersistFailure()
			}
		}
		s.log.Info("session complete",
			zap.String("session", sess.ID),
			zap.Int("events", res.EventCount),
			zap.Duration("duration", res.Duration))
	} else {
		s.log.Warn("session failed",
			zap.String("session", sess.ID),
			zap.Duration("duration", res.Duration),
			zap.Error(res.Err))
	}

	s.deps.Collector.RecordSession(sess.Scenario.String(), res.Success, events, res.Duration)
	if s.deps.Exporter != nil {
		s.deps.Exporter.ObserveSession(sess.Scenario.String(), res.Success, res.Duration)
		s.deps.Exporter.AddEvents(events)
		s.deps.Exporter.SetActiveSessions(int(s.running.Load()))
		s.deps.Exporter.SetUserPoolSize(s.deps.Pool.Size())
	}

	return res.Success
}
