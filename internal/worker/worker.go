// Package worker serves one export run over the control protocol: it
// announces readiness, waits for the run command, drives the lifecycle and
// ends with exactly one result or error message.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"dex/internal/connector"
	"dex/internal/envelope"
	"dex/internal/extract"
	"dex/internal/lifecycle"
	"dex/internal/protocol"
	"dex/internal/surface"
)

// Browser is a surface the worker owns and must close.
type Browser interface {
	surface.Surface
	Close() error
}

// LaunchFunc opens the browser for a run. onCapture is called for every
// captured network response.
type LaunchFunc func(ctx context.Context, req protocol.RunRequest, onCapture func(surface.Capture)) (Browser, error)

// Options configures Serve.
type Options struct {
	In     io.Reader
	Out    io.Writer
	Lookup func(name string) (connector.Connector, bool)
	Launch LaunchFunc
	Config lifecycle.Config
	Logger *slog.Logger
}

// ErrNoRun is returned when the input ends before a run command arrives.
var ErrNoRun = errors.New("input closed before run command")

// Serve runs the worker side of the protocol. The returned error decides the
// exit code; the user-facing error message has already been sent.
func Serve(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker")
	if opts.Lookup == nil {
		opts.Lookup = connector.Get
	}

	enc := protocol.NewEncoder(opts.Out)
	if err := enc.Send(protocol.Ready()); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	dec := protocol.NewDecoder(opts.In)
	req, err := awaitRun(dec, logger)
	if err != nil {
		_ = enc.Send(protocol.Error(err.Error()))
		return err
	}
	logger.Info("run received", "run_id", req.RunID, "connector", req.ConnectorPath)

	stop := ignoreLaterRuns(dec, enc, opts.In)
	env, err := run(ctx, opts, req, enc, logger)
	stop()
	if err != nil {
		logger.Error("run failed", "error", err)
		_ = enc.Send(protocol.Error(userMessage(err)))
		return err
	}

	msg, err := protocol.Result(env)
	if err != nil {
		_ = enc.Send(protocol.Error("failed to encode export result"))
		return err
	}
	return enc.Send(msg)
}

func awaitRun(dec *protocol.Decoder, logger *slog.Logger) (protocol.RunRequest, error) {
	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return protocol.RunRequest{}, ErrNoRun
			}
			return protocol.RunRequest{}, fmt.Errorf("failed to read command: %w", err)
		}
		if f.Message == nil {
			logger.Debug("ignoring input line", "line", f.Raw)
			continue
		}
		if f.Message.Type != protocol.TypeRun {
			logger.Debug("ignoring message before run", "type", f.Message.Type)
			continue
		}
		req := *f.Message.Run
		if err := req.Validate(); err != nil {
			return req, err
		}
		return req, nil
	}
}

// ignoreLaterRuns answers run commands that arrive during the run with a
// log line. The returned stop silences it before the terminal message and
// closes in, when it is a Closer, to end the reading goroutine.
func ignoreLaterRuns(dec *protocol.Decoder, enc *protocol.Encoder, in io.Reader) (stop func()) {
	var (
		mu      sync.Mutex
		stopped bool
	)
	go func() {
		for {
			f, err := dec.Next()
			if err != nil {
				return
			}
			if f.Message == nil || f.Message.Type != protocol.TypeRun {
				continue
			}
			mu.Lock()
			if !stopped {
				_ = enc.Send(protocol.Log("ignoring run command: a run is already in progress"))
			}
			mu.Unlock()
		}
	}()

	return func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
		if c, ok := in.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func run(ctx context.Context, opts Options, req protocol.RunRequest, enc *protocol.Encoder, logger *slog.Logger) (envelope.Envelope, error) {
	conn, ok := opts.Lookup(req.ConnectorPath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, req.ConnectorPath)
	}
	if err := connector.CheckURL(conn, req.URL); err != nil {
		return nil, err
	}

	sink := &protocolSink{enc: enc, logger: logger}
	b, err := opts.Launch(ctx, req, func(c surface.Capture) { sink.Captured(c.Key, c.URL) })
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowser, err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("failed to close browser", "error", err)
		}
	}()

	m := lifecycle.New(conn, b, sink, opts.Config, lifecycle.WithLogger(logger))
	env, err := m.Run(ctx, req)
	logger.Debug("lifecycle finished", "phases", m.History())
	return env, err
}

var (
	ErrUnknownConnector = errors.New("unknown connector")
	ErrBrowser          = errors.New("failed to start browser")
)

// userMessage turns a run error into the text shown to the user.
func userMessage(err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrLoginTimeout):
		return "Login was not completed in time. Run the export again and finish logging in within the browser window."
	case errors.Is(err, lifecycle.ErrIdentity):
		return "Logged in, but your account details could not be read. Try logging out and in again."
	case errors.Is(err, ErrUnknownConnector), errors.Is(err, connector.ErrURLRequired):
		return err.Error()
	case errors.Is(err, ErrBrowser):
		return "The browser could not be started. Check that Chrome or Chromium is installed."
	case errors.Is(err, extract.ErrStrategyExhausted):
		return "No data could be extracted from the page."
	case errors.Is(err, context.Canceled):
		return "Export was cancelled."
	default:
		return fmt.Sprintf("Export failed: %v", err)
	}
}

// protocolSink streams lifecycle output as protocol messages.
type protocolSink struct {
	enc    *protocol.Encoder
	logger *slog.Logger
}

func (s *protocolSink) send(m protocol.Message, err error) {
	if err == nil {
		err = s.enc.Send(m)
	}
	if err != nil {
		s.logger.Debug("dropped message", "type", m.Type, "error", err)
	}
}

func (s *protocolSink) Status(v any) { s.send(protocol.Status(v)) }

func (s *protocolSink) Log(text string) { s.send(protocol.Log(text), nil) }

func (s *protocolSink) Data(key string, v any) { s.send(protocol.Data(key, v)) }

func (s *protocolSink) Captured(key, url string) { s.send(protocol.NetworkCaptured(key, url), nil) }
