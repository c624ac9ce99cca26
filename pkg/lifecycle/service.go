package lifecycle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

const tracerName = "github.com/StricklySoft/plutus-security/pkg/lifecycle"

// DefaultCheckTimeout bounds each dependency probe when the caller's
// context has no deadline.
const DefaultCheckTimeout = 2 * time.Second

// Hook runs during start or stop.
type Hook func(ctx context.Context) error

// StateChangeHandler observes transitions. Handlers run under the state
// lock and must not call back into the service.
type StateChangeHandler func(old, new State)

// Probe checks one dependency. *redis.Client, *postgres.Client and
// *minio.Client Health methods fit it.
type Probe func(ctx context.Context) error

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// OnStart appends a start hook. Hooks run in registration order.
func OnStart(h Hook) Option {
	return func(s *Service) { s.onStart = append(s.onStart, h) }
}

// OnStop appends a stop hook. Stop hooks run in reverse registration
// order, so resources opened first are released last.
func OnStop(h Hook) Option {
	return func(s *Service) { s.onStop = append(s.onStop, h) }
}

// OnStateChange registers a transition observer.
func OnStateChange(h StateChangeHandler) Option {
	return func(s *Service) { s.handlers = append(s.handlers, h) }
}

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.checkTimeout = d
		}
	}
}

// Service tracks the lifecycle of one process.
type Service struct {
	name    string
	version string

	mu        sync.RWMutex
	state     State
	startedAt time.Time
	checks    map[string]Probe

	tracer       trace.Tracer
	logger       *slog.Logger
	checkTimeout time.Duration
	onStart      []Hook
	onStop       []Hook
	handlers     []StateChangeHandler
}

// New returns a service in [StateUnknown].
func New(name, version string, opts ...Option) *Service {
	s := &Service{
		name:         name,
		version:      version,
		state:        StateUnknown,
		checks:       make(map[string]Probe),
		tracer:       otel.Tracer(tracerName),
		logger:       slog.Default(),
		checkTimeout: DefaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string    { return s.name }
func (s *Service) Version() string { return s.version }

// State returns the current state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// AddCheck registers a dependency probed by [Service.Ready]. Registering
// a name twice replaces the probe. Start hooks typically add checks for
// the stores they open.
func (s *Service) AddCheck(name string, p Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = p
}

// Info is a point-in-time snapshot, safe to serialize.
type Info struct {
	Name      string        `json:"name"`
	Version   string        `json:"version"`
	State     State         `json:"state"`
	StartedAt *time.Time    `json:"startedAt,omitempty"`
	Uptime    time.Duration `json:"uptimeNs,omitempty"`
}

// Info returns the current snapshot. StartedAt and Uptime are set only
// while running.
func (s *Service) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{Name: s.name, Version: s.version, State: s.state}
	if s.state == StateRunning && !s.startedAt.IsZero() {
		t := s.startedAt
		info.StartedAt = &t
		info.Uptime = time.Since(t)
	}
	return info
}

// SetState moves to next. An invalid transition yields
// [sserr.CodeConflict].
func (s *Service) SetState(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(next)
}

func (s *Service) setStateLocked(next State) error {
	old := s.state
	if !ValidTransition(old, next) {
		return sserr.Newf(sserr.CodeConflict,
			"lifecycle: invalid state transition from %q to %q", old, next)
	}
	s.state = next
	for _, h := range s.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("lifecycle: state change handler panicked",
						"panic", r,
						"service", s.name,
						"old_state", string(old),
						"new_state", string(next),
					)
				}
			}()
			h(old, next)
		}()
	}
	return nil
}

// Start runs the start hooks between Starting and Running. A failing hook
// moves the service to Failed and the error is returned wrapped with
// [sserr.CodeInternal]; hooks after it do not run.
func (s *Service) Start(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "lifecycle.Start")
	defer func() { finishSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return sserr.Wrap(err, sserr.CodeTimeout, "lifecycle: start canceled before execution")
	}
	if err := s.SetState(StateStarting); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "lifecycle: starting", "service", s.name, "version", s.version)

	for _, h := range s.onStart {
		if err := h(ctx); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle: start hook failed", "service", s.name, "error", err)
			_ = s.SetState(StateFailed)
			return sserr.Wrap(err, sserr.CodeInternal, "lifecycle: start hook failed")
		}
	}

	s.mu.Lock()
	if err := s.setStateLocked(StateRunning); err != nil {
		s.mu.Unlock()
		return err
	}
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "lifecycle: started", "service", s.name)
	return nil
}

// Stop runs every stop hook between Stopping and Stopped, newest first.
// All hooks run even when one fails; the first error moves the service to
// Failed and is returned. Stopping a terminal or never-started service is
// a no-op.
func (s *Service) Stop(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "lifecycle.Stop")
	defer func() { finishSpan(span, err) }()

	if st := s.State(); st.IsTerminal() || st == StateUnknown {
		return nil
	}
	if err := s.SetState(StateStopping); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "lifecycle: stopping", "service", s.name)

	var first error
	for i := len(s.onStop) - 1; i >= 0; i-- {
		if err := s.onStop[i](ctx); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle: stop hook failed", "service", s.name, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	if first != nil {
		_ = s.SetState(StateFailed)
		return sserr.Wrap(first, sserr.CodeInternal, "lifecycle: stop hook failed")
	}

	s.mu.Lock()
	err = s.setStateLocked(StateStopped)
	s.startedAt = time.Time{}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "lifecycle: stopped", "service", s.name)
	return nil
}

// Live reports whether the service is running. It does not probe
// dependencies.
func (s *Service) Live(context.Context) error {
	if st := s.State(); st != StateRunning {
		return sserr.Newf(sserr.CodeUnavailable,
			"lifecycle: service is not running, current state is %q", st)
	}
	return nil
}

// Report is the result of [Service.Ready]. Checks maps each dependency to
// "ok" or its error code.
type Report struct {
	Status string            `json:"status"`
	State  State             `json:"state"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Ready probes every registered dependency concurrently. It returns
// [sserr.CodeUnavailableDependency] when the service is not running or
// any probe fails; the report is filled either way.
func (s *Service) Ready(ctx context.Context) (Report, error) {
	report := Report{Status: "ok", State: s.State()}
	if err := s.Live(ctx); err != nil {
		report.Status = "unavailable"
		return report, err
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	probes := make([]Probe, len(names))
	sort.Strings(names)
	for i, name := range names {
		probes[i] = s.checks[name]
	}
	s.mu.RUnlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.checkTimeout)
		defer cancel()
	}

	results := make([]error, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p(ctx)
		}()
	}
	wg.Wait()

	report.Checks = make(map[string]string, len(names))
	var failed []string
	for i, name := range names {
		if results[i] == nil {
			report.Checks[name] = "ok"
			continue
		}
		code := sserr.GetCode(results[i])
		if code == "" {
			code = sserr.CodeUnavailableDependency
		}
		report.Checks[name] = string(code)
		failed = append(failed, name)
		s.logger.WarnContext(ctx, "lifecycle: dependency check failed",
			"service", s.name, "dependency", name, "error", results[i])
	}
	if len(failed) > 0 {
		report.Status = "unavailable"
		return report, sserr.Newf(sserr.CodeUnavailableDependency,
			"lifecycle: %d dependency check(s) failed", len(failed)).WithDetail("dependencies", failed)
	}
	return report, nil
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("service.name", s.name)),
	)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
