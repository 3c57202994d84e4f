// Package connector defines what a platform connector provides to the
// worker lifecycle and what each collection phase receives.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dex/internal/envelope"
	"dex/internal/extract"
	"dex/internal/paginate"
	"dex/internal/poll"
	"dex/internal/progress"
	"dex/internal/protocol"
	"dex/internal/surface"
)

// Info is static connector metadata.
type Info struct {
	Platform     string
	Version      string
	StartURL     string // navigated to when the run request has no url
	LoginURL     string
	RequiresURL  bool // the connector has no start page of its own
	Noun         envelope.Noun
	PrimaryScope string // optional; see envelope.Meta.Primary
}

// Identity is the account resolved after login.
type Identity struct {
	ID   string
	Name string
}

// Sink receives everything a run streams back besides the final envelope.
type Sink interface {
	Status(v any)
	Log(text string)
	Data(key string, v any)
	Captured(key, url string)
}

// Debug sends a developer diagnostic through s.
func Debug(s Sink, key, format string, args ...any) {
	s.Data(key, protocol.DebugMarker+" "+fmt.Sprintf(format, args...))
}

// Session is what a phase gets to work with. It is passed by value; Prior
// holds the outputs of the phases that already ran and must not be modified.
type Session struct {
	Surface  surface.Surface
	Identity Identity
	Request  protocol.RunRequest

	Progress progress.Reporter
	Phase    progress.Phase
	Sink     Sink
	Logger   *slog.Logger

	Stop   paginate.StopPolicy
	Batch  extract.BatchOptions
	Settle poll.Policy

	Prior map[string]Output
}

// Report sends a progress update for the current phase.
func (s Session) Report(message string, count *int) {
	if s.Progress == nil {
		return
	}
	s.Progress.Report(progress.Update{Phase: s.Phase, Message: message, Count: count})
}

// Output is what a phase produced for its scope.
type Output struct {
	Value   any
	Count   int
	Warning string // non-empty: the scope is recorded as skipped with this reason
}

// Phase is one collection step producing one scope.
type Phase struct {
	Scope    string
	Label    string
	Optional bool
	Collect  func(ctx context.Context, s Session) (Output, error)
}

// Capturer is implemented by connectors whose phases read captured network
// responses. The patterns are registered before the first navigation.
type Capturer interface {
	Captures() map[string]string
}

// Connector is a platform integration.
type Connector interface {
	Name() string
	Info() Info
	LoggedIn(ctx context.Context, s surface.Surface) (bool, error)
	Identity(ctx context.Context, s surface.Surface) (Identity, error)
	Phases() []Phase
}

var ErrURLRequired = errors.New("a page URL is required")

// CheckURL rejects a run of c without a url when c has nowhere to start.
func CheckURL(c Connector, url string) error {
	if url == "" && c.Info().RequiresURL {
		return fmt.Errorf("%w: the %s connector exports the page you name, pass it with --url", ErrURLRequired, c.Name())
	}
	return nil
}
