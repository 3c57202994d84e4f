package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"dex/internal/envelope"
	"dex/internal/protocol"
)

// WorkerName is the worker executable looked up next to dex and on PATH.
const WorkerName = "dex-worker"

// ErrWorkerNotFound means no worker executable could be located.
var ErrWorkerNotFound = errors.New("worker executable not found")

var (
	lookPath   = exec.LookPath
	executable = os.Executable
)

// ResolveWorker finds the worker: explicit (from DEX_WORKER or config) when
// set, then a dex-worker beside the running executable, then PATH.
func ResolveWorker(explicit string) (string, error) {
	if explicit != "" {
		path, err := lookPath(explicit)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrWorkerNotFound, explicit, err)
		}
		return path, nil
	}

	name := WorkerName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if exe, err := executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	if path, err := lookPath(name); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("%w: build it with `go build ./cmd/dex-worker`, place it next to dex or on PATH, or set DEX_WORKER to its location", ErrWorkerNotFound)
}

// Options configures Run.
type Options struct {
	Worker  string
	Args    []string
	Env     []string // appended to the current environment
	Request protocol.RunRequest
	Handler Handler
	Stderr  io.Writer // worker diagnostics; relayed to Logger at debug level when nil
	Logger  *slog.Logger
}

// Run starts the worker process and drives one export through it.
func Run(ctx context.Context, opts Options) (envelope.Envelope, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, opts.Worker, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	var relayDone chan struct{}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	} else {
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open worker stderr: %w", err)
		}
		relayDone = make(chan struct{})
		go func() {
			defer close(relayDone)
			sc := bufio.NewScanner(stderr)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			for sc.Scan() {
				logger.Debug("worker", "line", sc.Text())
			}
		}()
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", opts.Worker, err)
	}
	logger.Debug("worker started", "pid", cmd.Process.Pid, "run_id", opts.Request.RunID)

	out, exchangeErr := Exchange(ctx, stdout, stdin, opts.Request, opts.Handler, logger)
	_ = stdin.Close()
	if relayDone != nil {
		<-relayDone
	}
	waitErr := cmd.Wait()

	if exchangeErr != nil && !out.Terminal {
		if waitErr != nil {
			return nil, &WorkerError{Message: exchangeErr.Error(), Exit: waitErr}
		}
		return nil, exchangeErr
	}
	return Settle(out, waitErr)
}
