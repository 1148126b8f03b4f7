package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrTimeout is returned when a command outlives its time limit and is killed.
var ErrTimeout = errors.New("command timed out")

// maxOutput bounds how much combined output is kept per run.
const maxOutput = 64 << 10

// pipeWaitDelay bounds how long Wait keeps reading output after the shell
// exits. Descendants that left the process group may hold the pipes open.
const pipeWaitDelay = time.Second

// Result is what a finished command produced.
type Result struct {
	Output   string
	ExitCode int
}

// Executor runs one job command. A non-nil error means the attempt failed.
type Executor interface {
	Run(ctx context.Context, command string, timeout time.Duration) (Result, error)
}

// ShellExecutor runs commands with "sh -c" in their own process group so a
// timeout kills the command together with anything it spawned.
type ShellExecutor struct {
	Shell string
}

func (e ShellExecutor) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var out limitedBuffer
	cmd := exec.Command(shell, "-c", command)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = pipeWaitDelay
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		res := Result{Output: out.String(), ExitCode: cmd.ProcessState.ExitCode()}
		// The shell itself succeeded; only a detached child kept the pipes.
		if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState.Success() {
			err = nil
		}
		if err != nil {
			return res, fmt.Errorf("command failed: %w", err)
		}
		return res, nil
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		res := Result{Output: out.String(), ExitCode: -1}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return res, ctx.Err()
	}
}

type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := maxOutput - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
