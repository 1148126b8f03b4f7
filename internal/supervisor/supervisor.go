package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// EnvWorkerID passes a launched worker its id.
const EnvWorkerID = "QUEUECTL_WORKER_ID"

// Handle is a running worker the daemon can stop.
type Handle interface {
	ID() string
	Stop() error
}

// Launcher starts one worker.
type Launcher interface {
	Launch(ctx context.Context) (Handle, error)
}

// ProcessLauncher starts each worker as a separate OS process running Bin.
// Workers inherit the daemon's environment, so they open the same store.
type ProcessLauncher struct {
	Bin    string
	Args   []string
	Logger *slog.Logger
}

func (l ProcessLauncher) Launch(_ context.Context) (Handle, error) {
	id := uuid.NewString()
	cmd := exec.Command(l.Bin, l.Args...)
	cmd.Env = append(os.Environ(), EnvWorkerID+"="+id)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group: a Ctrl-C aimed at the daemon does not reach workers.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", l.Bin, err)
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &processHandle{id: id, cmd: cmd}
	go func() {
		err := cmd.Wait()
		logger.Info("worker exited", "worker_id", id, "pid", cmd.Process.Pid, "err", err)
	}()
	return h, nil
}

type processHandle struct {
	id  string
	cmd *exec.Cmd
}

func (h *processHandle) ID() string { return h.id }

// Stop asks the worker to shut down; it finishes its current job first.
func (h *processHandle) Stop() error {
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal worker %s: %w", h.id, err)
	}
	return nil
}

// RunFunc is a worker loop run in-process until ctx is cancelled.
type RunFunc func(ctx context.Context, workerID string) error

// InProcessLauncher runs workers as goroutines inside the daemon.
type InProcessLauncher struct {
	Run    RunFunc
	Logger *slog.Logger
}

func (l InProcessLauncher) Launch(_ context.Context) (Handle, error) {
	if l.Run == nil {
		return nil, fmt.Errorf("in-process launcher has no run func")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	// Workers outlive the request that started them.
	ctx, cancel := context.WithCancel(context.Background())
	h := &goroutineHandle{id: id, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		if err := l.Run(ctx, id); err != nil && ctx.Err() == nil {
			logger.Error("worker exited", "worker_id", id, "err", err)
		}
	}()
	return h, nil
}

type goroutineHandle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (h *goroutineHandle) ID() string { return h.id }

func (h *goroutineHandle) Stop() error {
	h.once.Do(h.cancel)
	return nil
}

// Done is closed once the worker goroutine has returned.
func (h *goroutineHandle) Done() <-chan struct{} { return h.done }
