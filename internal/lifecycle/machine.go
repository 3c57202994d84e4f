// Package lifecycle drives one export run: login check, interactive login
// when needed, identity resolution and the collection phases.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dex/internal/connector"
	"dex/internal/envelope"
	"dex/internal/extract"
	"dex/internal/paginate"
	"dex/internal/poll"
	"dex/internal/progress"
	"dex/internal/protocol"
	"dex/internal/surface"
)

var (
	ErrLoginTimeout = errors.New("login timed out")
	ErrIdentity     = errors.New("failed to acquire session identity")
)

// Config holds the timing and bounds of a run.
type Config struct {
	LoginCheck  poll.Policy   // initial "already logged in?" check
	LoginWait   poll.Policy   // interactive login; Timeout is the overall deadline
	LoginSettle time.Duration // pause before re-checking a detected login
	Settle      poll.Policy   // lazy-load settling handed to phases
	Stop        paginate.StopPolicy
	Batch       extract.BatchOptions
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		LoginCheck:  poll.Policy{MaxAttempts: 3, Interval: time.Second},
		LoginWait:   poll.Policy{Interval: 2 * time.Second, Timeout: 5 * time.Minute},
		LoginSettle: 2 * time.Second,
		Settle:      poll.Policy{MaxAttempts: 10, Interval: 500 * time.Millisecond},
		Stop:        paginate.StopPolicy{MaxIterations: paginate.DefaultMaxIterations, StagnantLimit: 3},
		Batch:       extract.BatchOptions{Size: extract.DefaultBatchSize, Timeout: extract.DefaultFetchTimeout},
	}
}

// Machine runs one request against one connector and surface.
type Machine struct {
	conn   connector.Connector
	surf   surface.Surface
	sink   connector.Sink
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	phase   WorkerPhase
	history []WorkerPhase
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// New returns a Machine in Idle.
func New(conn connector.Connector, surf surface.Surface, sink connector.Sink, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		conn:    conn,
		surf:    surf,
		sink:    sink,
		cfg:     cfg,
		logger:  slog.Default(),
		phase:   Idle,
		history: []WorkerPhase{Idle},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "lifecycle", "connector", conn.Name())
	return m
}

// Phase returns the current phase.
func (m *Machine) Phase() WorkerPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// History returns every phase entered so far, starting with Idle.
func (m *Machine) History() []WorkerPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WorkerPhase(nil), m.history...)
}

func (m *Machine) transition(to WorkerPhase, status string) error {
	m.mu.Lock()
	from := m.phase
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	m.phase = to
	m.history = append(m.history, to)
	m.mu.Unlock()

	m.logger.Debug("phase transition", "from", from.String(), "to", to.String())
	if status != "" {
		m.sink.Status(status)
	}
	return nil
}

func (m *Machine) fail(err error) error {
	if !m.Phase().Terminal() {
		_ = m.transition(Failed, failureStatus(err))
	}
	return err
}

func failureStatus(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "Export cancelled"
	case errors.Is(err, ErrLoginTimeout):
		return "Export failed: login timed out"
	case errors.Is(err, ErrIdentity):
		return "Export failed: could not read your account details"
	default:
		return fmt.Sprintf("Export failed: %v", err)
	}
}

// Run executes the request. Only login and identity failures, cancellation
// and programming errors are returned; phase failures become warnings in
// the envelope.
func (m *Machine) Run(ctx context.Context, req protocol.RunRequest) (envelope.Envelope, error) {
	info := m.conn.Info()

	if err := m.transition(CheckingLogin, "Checking login status..."); err != nil {
		return nil, err
	}

	if c, ok := m.conn.(connector.Capturer); ok {
		for key, pattern := range c.Captures() {
			m.surf.Capture(key, pattern)
		}
	}

	target := req.URL
	if target == "" {
		target = info.StartURL
	}
	if err := m.surf.Navigate(ctx, target); err != nil {
		return nil, m.fail(fmt.Errorf("failed to open %s: %w", target, err))
	}

	err := m.cfg.LoginCheck.Until(ctx, m.surf, m.loggedIn)
	switch {
	case err == nil:
		if err := m.transition(HeadlessCollecting, "Already logged in, collecting data..."); err != nil {
			return nil, m.fail(err)
		}
	case errors.Is(err, poll.ErrExhausted):
		if err := m.interactiveLogin(ctx, info); err != nil {
			return nil, m.fail(err)
		}
	default:
		return nil, m.fail(err)
	}

	if m.surf.Visible() && !req.ForceHeaded {
		if err := m.surf.Hide(ctx); err != nil {
			m.logger.Warn("failed to hide browser", "error", err)
		}
	}

	id, err := m.conn.Identity(ctx, m.surf)
	if err == nil && id.ID == "" {
		err = errors.New("empty account id")
	}
	if err != nil {
		return nil, m.fail(fmt.Errorf("%w: %v", ErrIdentity, err))
	}
	m.logger.Info("session identity resolved", "id", id.ID)

	env, err := m.collect(ctx, req, info, id)
	if err != nil {
		return nil, m.fail(err)
	}
	return env, nil
}

func (m *Machine) loggedIn(ctx context.Context) (bool, error) {
	return m.conn.LoggedIn(ctx, m.surf)
}

// interactiveLogin reveals the browser and waits for the user. A login that
// does not survive the settle pause sends the user back to the prompt; all
// rounds share one deadline.
func (m *Machine) interactiveLogin(ctx context.Context, info connector.Info) error {
	deadline := m.surf.Now().Add(m.cfg.LoginWait.Timeout)

	if err := m.surf.Reveal(ctx); err != nil {
		return fmt.Errorf("failed to show browser: %w", err)
	}

	prompt := fmt.Sprintf("Please log in to %s in the browser window", info.Platform)
	if err := m.transition(AwaitingInteractiveLogin, prompt); err != nil {
		return err
	}
	if info.LoginURL != "" {
		if err := m.surf.Navigate(ctx, info.LoginURL); err != nil {
			return fmt.Errorf("failed to open login page: %w", err)
		}
	}

	for {
		remaining := deadline.Sub(m.surf.Now())
		if remaining <= 0 {
			return ErrLoginTimeout
		}
		wait := poll.Policy{Interval: m.cfg.LoginWait.Interval, Timeout: remaining}
		err := wait.Until(ctx, m.surf, m.loggedIn)
		if errors.Is(err, poll.ErrExhausted) {
			return ErrLoginTimeout
		}
		if err != nil {
			return err
		}

		if err := m.transition(VerifyingLogin, "Login detected, verifying session..."); err != nil {
			return err
		}
		if err := m.surf.Sleep(ctx, m.cfg.LoginSettle); err != nil {
			return err
		}
		ok, err := m.loggedIn(ctx)
		if err == nil && ok {
			return m.transition(HeadlessCollecting, "Logged in, collecting data...")
		}

		m.logger.Info("login did not persist, waiting again")
		if err := m.transition(AwaitingInteractiveLogin, "Login was not completed, please try again in the browser window"); err != nil {
			return err
		}
	}
}

func (m *Machine) collect(ctx context.Context, req protocol.RunRequest, info connector.Info, id connector.Identity) (envelope.Envelope, error) {
	phases := m.conn.Phases()
	builder := envelope.NewBuilder()
	tracker := progress.NewTracker(progress.ReporterFunc(func(u progress.Update) {
		m.sink.Status(u)
	}))
	prior := make(map[string]connector.Output, len(phases))

	for i, p := range phases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		phase := progress.Phase{Step: i + 1, Total: len(phases), Label: p.Label}
		tracker.Report(progress.Update{Phase: phase, Message: fmt.Sprintf("Collecting %s...", p.Label)})

		snapshot := make(map[string]connector.Output, len(prior))
		for k, v := range prior {
			snapshot[k] = v
		}
		sess := connector.Session{
			Surface:  m.surf,
			Identity: id,
			Request:  req,
			Progress: tracker,
			Phase:    phase,
			Sink:     m.sink,
			Logger:   m.logger.With("scope", p.Scope),
			Stop:     m.cfg.Stop,
			Batch:    m.cfg.Batch,
			Settle:   m.cfg.Settle,
			Prior:    snapshot,
		}

		start := time.Now()
		out, err := runPhase(ctx, p, sess)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		reason := out.Warning
		if err != nil {
			reason = err.Error()
		}
		if reason != "" {
			m.warn(builder, p, reason)
			tracker.Report(progress.Update{Phase: phase, Message: fmt.Sprintf("Skipped %s", p.Label)})
			continue
		}

		if err := builder.Set(p.Scope, out.Value, out.Count); err != nil {
			return nil, err
		}
		prior[p.Scope] = out
		m.logger.Info("phase complete", "count", out.Count, "duration", time.Since(start).Round(time.Millisecond))
		tracker.Report(progress.Update{
			Phase:   phase,
			Message: fmt.Sprintf("Collected %d %s", out.Count, p.Label),
			Count:   progress.Count(out.Count),
		})
	}

	env, err := builder.Finalize(envelope.Meta{
		Platform: info.Platform,
		Version:  info.Version,
		Noun:     info.Noun,
		Primary:  info.PrimaryScope,
		Now:      m.surf.Now,
	})
	if err != nil {
		return nil, err
	}

	sum := env[envelope.KeySummary].(envelope.Summary)
	if err := m.transition(Complete, fmt.Sprintf("Export complete: %d %s", sum.Count, sum.Label)); err != nil {
		return nil, err
	}
	return env, nil
}

func (m *Machine) warn(b *envelope.Builder, p connector.Phase, reason string) {
	if p.Optional {
		m.logger.Info("optional phase skipped", "reason", reason)
	} else {
		m.logger.Warn("phase failed", "reason", reason)
	}
	m.sink.Status(fmt.Sprintf("Warning: %s unavailable (%s)", p.Label, reason))
	m.sink.Data("warning."+p.Scope, reason)
	if err := b.Warn(p.Scope, reason); err != nil {
		m.logger.Error("failed to record warning", "error", err)
	}
}

func runPhase(ctx context.Context, p connector.Phase, s connector.Session) (out connector.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = connector.Output{}, fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Collect(ctx, s)
}
