// Package orchestrator is the parent side of the control protocol: it
// starts the worker, sends the run request and collects the outcome.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"dex/internal/envelope"
	"dex/internal/progress"
	"dex/internal/protocol"
)

// ErrNoResult is reported when the worker exits cleanly without a result.
var ErrNoResult = errors.New("no result data returned")

// Handler receives everything the worker streams besides the outcome.
type Handler interface {
	Status(text string)
	Progress(u progress.Update)
	Log(text string)
	Data(key string, value json.RawMessage)
	Debug(text string)
	Captured(key, url string)
	Raw(line string)
}

// Outcome is what the conversation produced.
type Outcome struct {
	Envelope envelope.Envelope
	Error    string
	Terminal bool
}

// Exchange drives one conversation: it waits for ready, sends req, and
// dispatches messages to h until r ends. Messages after the terminal one
// are ignored.
func Exchange(ctx context.Context, r io.Reader, w io.Writer, req protocol.RunRequest, h Handler, logger *slog.Logger) (Outcome, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dec := protocol.NewDecoder(r)
	enc := protocol.NewEncoder(w)

	var out Outcome
	sent := false
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("failed to read worker output: %w", err)
		}

		if f.Message == nil {
			h.Raw(f.Raw)
			continue
		}
		m := f.Message
		if out.Terminal {
			logger.Debug("message after terminal", "type", m.Type)
			continue
		}

		switch m.Type {
		case protocol.TypeReady:
			if sent {
				logger.Debug("duplicate ready ignored")
				continue
			}
			if err := ctx.Err(); err != nil {
				return out, err
			}
			if err := enc.Send(protocol.Run(req)); err != nil {
				return out, fmt.Errorf("failed to send run request: %w", err)
			}
			sent = true
		case protocol.TypeStatus:
			if u, ok := m.Progress(); ok {
				h.Progress(u)
			} else if text, ok := m.StatusText(); ok {
				h.Status(text)
			} else {
				h.Status(string(m.Status))
			}
		case protocol.TypeLog:
			h.Log(m.Message)
		case protocol.TypeData:
			if text, ok := m.DebugText(); ok {
				h.Debug(text)
			} else {
				h.Data(m.Key, m.Value)
			}
		case protocol.TypeNetworkCaptured:
			h.Captured(m.Key, m.URL)
		case protocol.TypeResult:
			out.Terminal = true
			var env envelope.Envelope
			if err := json.Unmarshal(m.Data, &env); err != nil || env == nil {
				out.Error = "result data could not be decoded"
				continue
			}
			out.Envelope = env
		case protocol.TypeError:
			out.Terminal = true
			out.Error = m.Message
		default:
			logger.Debug("unexpected message from worker", "type", m.Type)
		}
	}
}

// WorkerError is a failure the worker reported or signalled by exit status.
type WorkerError struct {
	Message string
	Exit    error
}

func (e *WorkerError) Error() string {
	switch {
	case e.Message != "" && e.Exit != nil:
		return fmt.Sprintf("%s (%v)", e.Message, e.Exit)
	case e.Message != "":
		return e.Message
	default:
		return fmt.Sprintf("worker failed: %v", e.Exit)
	}
}

func (e *WorkerError) Unwrap() error { return e.Exit }

// Settle combines the conversation outcome with the worker's exit status.
// The exit status decides success; the result message supplies the payload.
func Settle(out Outcome, exitErr error) (envelope.Envelope, error) {
	if exitErr != nil {
		return nil, &WorkerError{Message: out.Error, Exit: exitErr}
	}
	if out.Envelope != nil {
		return out.Envelope, nil
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrNoResult, out.Error)
	}
	return nil, ErrNoResult
}
