package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex/internal/connector"
	"dex/internal/envelope"
	"dex/internal/extract"
	"dex/internal/progress"
	"dex/internal/protocol"
	"dex/internal/surface"
	"dex/internal/surface/surfacetest"
)

type fakeConnector struct {
	mu       sync.Mutex
	checks   int
	loggedIn func(check int) bool
	identity connector.Identity
	idErr    error
	phases   []connector.Phase
}

func (c *fakeConnector) Name() string { return "fake" }

func (c *fakeConnector) Info() connector.Info {
	return connector.Info{
		Platform: "fake",
		Version:  "0.1.0",
		StartURL: "https://fake.example/home",
		LoginURL: "https://fake.example/login",
		Noun:     envelope.Noun{Singular: "entry", Plural: "entries"},
	}
}

func (c *fakeConnector) LoggedIn(context.Context, surface.Surface) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks++
	return c.loggedIn(c.checks), nil
}

func (c *fakeConnector) Identity(context.Context, surface.Surface) (connector.Identity, error) {
	return c.identity, c.idErr
}

func (c *fakeConnector) Phases() []connector.Phase { return c.phases }

func (c *fakeConnector) Captures() map[string]string {
	return map[string]string{"entries": "/api/entries"}
}

type recorder struct {
	mu       sync.Mutex
	statuses []any
	data     map[string]any
}

func newRecorder() *recorder { return &recorder{data: map[string]any{}} }

func (r *recorder) Status(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, v)
}
func (r *recorder) Log(string)              {}
func (r *recorder) Captured(string, string) {}
func (r *recorder) Data(key string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[key] = v
}

func (r *recorder) texts() []string {
	var out []string
	for _, s := range r.statuses {
		if text, ok := s.(string); ok {
			out = append(out, text)
		}
	}
	return out
}

func (r *recorder) last() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return nil
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *recorder) updates() []progress.Update {
	var out []progress.Update
	for _, s := range r.statuses {
		if u, ok := s.(progress.Update); ok {
			out = append(out, u)
		}
	}
	return out
}

func alwaysLoggedIn(int) bool { return true }

func afterChecks(n int) func(int) bool {
	return func(check int) bool { return check > n }
}

func constPhase(scope, label string, n int) connector.Phase {
	return connector.Phase{
		Scope: scope,
		Label: label,
		Collect: func(context.Context, connector.Session) (connector.Output, error) {
			items := make([]int, n)
			return connector.Output{Value: items, Count: n}, nil
		},
	}
}

func request() protocol.RunRequest {
	return protocol.RunRequest{RunID: "run-1", ConnectorPath: "fake", Headless: true}
}

func TestAlreadyLoggedIn(t *testing.T) {
	conn := &fakeConnector{
		loggedIn: alwaysLoggedIn,
		identity: connector.Identity{ID: "42"},
		phases: []connector.Phase{
			constPhase("fake.entries", "entries", 5),
			constPhase("fake.drafts", "drafts", 0),
		},
	}
	surf := surfacetest.New()
	rec := newRecorder()
	m := New(conn, surf, rec, DefaultConfig())

	env, err := m.Run(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, []WorkerPhase{Idle, CheckingLogin, HeadlessCollecting, Complete}, m.History())
	assert.Equal(t, []string{"https://fake.example/home"}, surf.Navigations)
	assert.Zero(t, surf.Reveals)

	sum := env[envelope.KeySummary].(envelope.Summary)
	assert.Equal(t, 5, sum.Count)
	assert.Equal(t, "entries", sum.Label)
	assert.Equal(t, "fake.entries: 5, fake.drafts: 0", sum.Details)
	assert.Equal(t, "1970-01-01T00:00:00Z", env[envelope.KeyTimestamp])
	assert.Contains(t, rec.texts(), "Export complete: 5 entries")
}

func TestProgressAtPhaseBoundaries(t *testing.T) {
	conn := &fakeConnector{
		loggedIn: alwaysLoggedIn,
		identity: connector.Identity{ID: "42"},
		phases: []connector.Phase{
			constPhase("fake.a", "a", 1),
			constPhase("fake.b", "b", 2),
			constPhase("fake.c", "c", 3),
		},
	}
	rec := newRecorder()
	_, err := New(conn, surfacetest.New(), rec, DefaultConfig()).Run(context.Background(), request())
	require.NoError(t, err)

	updates := rec.updates()
	require.Len(t, updates, 6)
	for i, u := range updates {
		require.NoError(t, u.Validate())
		assert.Equal(t, i/2+1, u.Phase.Step)
		assert.Equal(t, 3, u.Phase.Total)
	}
	assert.Nil(t, updates[0].Count)
	require.NotNil(t, updates[5].Count)
	assert.Equal(t, 3, *updates[5].Count)
}

func TestInteractiveLogin(t *testing.T) {
	// three failed checks, then the user logs in on the fifth interactive poll
	conn := &fakeConnector{
		loggedIn: afterChecks(7),
		identity: connector.Identity{ID: "42"},
		phases:   []connector.Phase{constPhase("fake.entries", "entries", 1)},
	}
	surf := surfacetest.New()
	rec := newRecorder()
	m := New(conn, surf, rec, DefaultConfig())

	_, err := m.Run(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, []WorkerPhase{
		Idle, CheckingLogin, AwaitingInteractiveLogin, VerifyingLogin, HeadlessCollecting, Complete,
	}, m.History())
	assert.Equal(t, []string{"https://fake.example/home", "https://fake.example/login"}, surf.Navigations)
	assert.Equal(t, 1, surf.Reveals)
	assert.Equal(t, 1, surf.Hides)
	assert.False(t, surf.Visible())
	assert.Contains(t, rec.texts(), "Please log in to fake in the browser window")
}

func TestForceHeadedKeepsBrowserVisible(t *testing.T) {
	conn := &fakeConnector{
		loggedIn: afterChecks(3),
		identity: connector.Identity{ID: "42"},
		phases:   []connector.Phase{constPhase("fake.entries", "entries", 1)},
	}
	surf := surfacetest.New()
	req := request()
	req.ForceHeaded = true

	_, err := New(conn, surf, newRecorder(), DefaultConfig()).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, surf.Hides)
	assert.True(t, surf.Visible())
}

func TestLoginThatDoesNotStickRetries(t *testing.T) {
	// checks 1-3 fail, 4 detects a login, 5 (verify) loses it, 6 and 7 succeed
	conn := &fakeConnector{
		loggedIn: func(check int) bool { return check == 4 || check >= 6 },
		identity: connector.Identity{ID: "42"},
		phases:   []connector.Phase{constPhase("fake.entries", "entries", 1)},
	}
	m := New(conn, surfacetest.New(), newRecorder(), DefaultConfig())

	_, err := m.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, []WorkerPhase{
		Idle, CheckingLogin,
		AwaitingInteractiveLogin, VerifyingLogin,
		AwaitingInteractiveLogin, VerifyingLogin,
		HeadlessCollecting, Complete,
	}, m.History())
}

func TestLoginTimeout(t *testing.T) {
	conn := &fakeConnector{loggedIn: func(int) bool { return false }}
	surf := surfacetest.New()
	cfg := DefaultConfig()
	rec := newRecorder()
	m := New(conn, surf, rec, cfg)

	_, err := m.Run(context.Background(), request())
	require.ErrorIs(t, err, ErrLoginTimeout)
	assert.Equal(t, Failed, m.Phase())
	assert.Equal(t, "Export failed: login timed out", rec.last())
	assert.LessOrEqual(t, surf.Slept, cfg.LoginWait.Timeout+cfg.LoginCheck.Interval*2)
}

func TestIdentityFailureIsFatal(t *testing.T) {
	ran := false
	conn := &fakeConnector{
		loggedIn: alwaysLoggedIn,
		idErr:    errors.New("no token cookie"),
		phases: []connector.Phase{{
			Scope: "fake.entries",
			Collect: func(context.Context, connector.Session) (connector.Output, error) {
				ran = true
				return connector.Output{}, nil
			},
		}},
	}
	rec := newRecorder()
	m := New(conn, surfacetest.New(), rec, DefaultConfig())

	_, err := m.Run(context.Background(), request())
	require.ErrorIs(t, err, ErrIdentity)
	assert.Contains(t, err.Error(), "no token cookie")
	assert.Equal(t, Failed, m.Phase())
	assert.Equal(t, "Export failed: could not read your account details", rec.last())
	assert.False(t, ran)
}

func TestEmptyIdentityIsFatal(t *testing.T) {
	conn := &fakeConnector{loggedIn: alwaysLoggedIn}
	_, err := New(conn, surfacetest.New(), newRecorder(), DefaultConfig()).Run(context.Background(), request())
	assert.ErrorIs(t, err, ErrIdentity)
}

func TestPhaseFailuresBecomeWarnings(t *testing.T) {
	conn := &fakeConnector{
		loggedIn: alwaysLoggedIn,
		identity: connector.Identity{ID: "42"},
		phases: []connector.Phase{
			constPhase("fake.entries", "entries", 2),
			{
				Scope: "fake.comments",
				Label: "comments",
				Collect: func(context.Context, connector.Session) (connector.Output, error) {
					return connector.Output{}, fmt.Errorf("comments: %w", extract.ErrStrategyExhausted)
				},
			},
			{
				Scope:    "fake.details",
				Label:    "details",
				Optional: true,
				Collect: func(context.Context, connector.Session) (connector.Output, error) {
					panic("selector vanished")
				},
			},
			{
				Scope: "fake.drafts",
				Label: "drafts",
				Collect: func(context.Context, connector.Session) (connector.Output, error) {
					return connector.Output{Warning: "feature disabled for this account"}, nil
				},
			},
		},
	}
	rec := newRecorder()
	m := New(conn, surfacetest.New(), rec, DefaultConfig())

	env, err := m.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, Complete, m.Phase())
	assert.Equal(t, []string{"fake.entries"}, env.Scopes())

	assert.Contains(t, rec.data, "warning.fake.comments")
	assert.Contains(t, rec.data["warning.fake.details"], "panic: selector vanished")
	assert.Equal(t, "feature disabled for this account", rec.data["warning.fake.drafts"])

	details := env[envelope.KeySummary].(envelope.Summary).Details
	assert.Contains(t, details, "fake.entries: 2")
	assert.Contains(t, details, "fake.drafts: skipped (feature disabled for this account)")
}

func TestPhasesSeePriorOutputs(t *testing.T) {
	var seen map[string]connector.Output
	conn := &fakeConnector{
		loggedIn: alwaysLoggedIn,
		identity: connector.Identity{ID: "42"},
		phases: []connector.Phase{
			constPhase("fake.entries", "entries", 4),
			{
				Scope: "fake.details",
				Label: "details",
				Collect: func(_ context.Context, s connector.Session) (connector.Output, error) {
					seen = s.Prior
					assert.Equal(t, "42", s.Identity.ID)
					assert.Equal(t, 2, s.Phase.Step)
					return connector.Output{Value: []int{}, Count: 0}, nil
				},
			},
		},
	}
	_, err := New(conn, surfacetest.New(), newRecorder(), DefaultConfig()).Run(context.Background(), request())
	require.NoError(t, err)
	require.Contains(t, seen, "fake.entries")
	assert.Equal(t, 4, seen["fake.entries"].Count)
}

func TestCapturePatternsRegisteredBeforeNavigation(t *testing.T) {
	conn := &fakeConnector{
		loggedIn: alwaysLoggedIn,
		identity: connector.Identity{ID: "42"},
		phases: []connector.Phase{{
			Scope: "fake.entries",
			Label: "entries",
			Collect: func(_ context.Context, s connector.Session) (connector.Output, error) {
				c, ok := s.Surface.Captured("entries")
				if !ok {
					return connector.Output{}, errors.New("nothing captured")
				}
				return connector.Output{Value: string(c.Body), Count: 1}, nil
			},
		}},
	}
	surf := surfacetest.New()
	// the page fires its API call as soon as it loads
	navigated := &navigateThenDeliver{Fake: surf}

	env, err := New(conn, navigated, newRecorder(), DefaultConfig()).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, `{"items":[]}`, env["fake.entries"])
}

type navigateThenDeliver struct {
	*surfacetest.Fake
}

func (n *navigateThenDeliver) Navigate(ctx context.Context, url string) error {
	if err := n.Fake.Navigate(ctx, url); err != nil {
		return err
	}
	n.Deliver("https://fake.example/api/entries?page=1", []byte(`{"items":[]}`))
	return nil
}

func TestRunTwiceIsRejected(t *testing.T) {
	conn := &fakeConnector{loggedIn: alwaysLoggedIn, identity: connector.Identity{ID: "1"}}
	m := New(conn, surfacetest.New(), newRecorder(), DefaultConfig())

	_, err := m.Run(context.Background(), request())
	require.NoError(t, err)
	_, err = m.Run(context.Background(), request())
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestCanceledDuringCollection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &fakeConnector{
		loggedIn: alwaysLoggedIn,
		identity: connector.Identity{ID: "1"},
		phases: []connector.Phase{{
			Scope: "fake.entries",
			Collect: func(ctx context.Context, _ connector.Session) (connector.Output, error) {
				cancel()
				return connector.Output{}, ctx.Err()
			},
		}},
	}
	rec := newRecorder()
	m := New(conn, surfacetest.New(), rec, DefaultConfig())

	_, err := m.Run(ctx, request())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, m.Phase())
	assert.Equal(t, "Export cancelled", rec.last())
}

type unreachable struct {
	*surfacetest.Fake
}

func (unreachable) Navigate(context.Context, string) error {
	return errors.New("net::ERR_NAME_NOT_RESOLVED")
}

func TestNavigationFailureReportsStatus(t *testing.T) {
	conn := &fakeConnector{loggedIn: alwaysLoggedIn, identity: connector.Identity{ID: "1"}}
	rec := newRecorder()
	m := New(conn, unreachable{surfacetest.New()}, rec, DefaultConfig())

	_, err := m.Run(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, []WorkerPhase{Idle, CheckingLogin, Failed}, m.History())
	assert.Equal(t, []string{
		"Checking login status...",
		"Export failed: failed to open " + conn.Info().StartURL + ": net::ERR_NAME_NOT_RESOLVED",
	}, rec.texts())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to WorkerPhase
		want     bool
	}{
		{Idle, CheckingLogin, true},
		{Idle, HeadlessCollecting, false},
		{CheckingLogin, AwaitingInteractiveLogin, true},
		{VerifyingLogin, AwaitingInteractiveLogin, true},
		{AwaitingInteractiveLogin, CheckingLogin, false},
		{HeadlessCollecting, CheckingLogin, false},
		{HeadlessCollecting, Failed, true},
		{Complete, Failed, false},
		{Failed, Idle, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "awaiting-interactive-login", AwaitingInteractiveLogin.String())
	assert.Equal(t, "phase(42)", WorkerPhase(42).String())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.LoginCheck.MaxAttempts)
	assert.Equal(t, time.Second, cfg.LoginCheck.Interval)
	assert.Equal(t, 2*time.Second, cfg.LoginWait.Interval)
	assert.Equal(t, 5*time.Minute, cfg.LoginWait.Timeout)
	assert.Equal(t, 5, cfg.Batch.Size)
}
