package worker

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// Executor runs the payload of a claimed job, streaming its output.
type Executor interface {
	// Execute runs job until it exits or ctx ends. exitCode is nil when the
	// process never started or was killed by a signal.
	Execute(ctx context.Context, job *model.Job, stdout, stderr io.Writer) (exitCode *int, err error)
}

// ExecExecutor runs `prefix... command args...` as a child process.
type ExecExecutor struct {
	Prefix []string
	// WaitDelay bounds how long output pipes are drained after a kill.
	WaitDelay time.Duration
}

// Execute implements Executor.
func (e ExecExecutor) Execute(ctx context.Context, job *model.Job, stdout, stderr io.Writer) (*int, error) {
	argv := make([]string, 0, len(e.Prefix)+1+len(job.Args))
	argv = append(argv, e.Prefix...)
	argv = append(argv, job.Command)
	argv = append(argv, job.Args...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) // #nosec G204 - running job commands is the purpose of the worker
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	err := cmd.Run()
	if err == nil {
		code := 0
		return &code, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		code := exitErr.ExitCode()
		return &code, err
	}
	return nil, err
}

// tailBuffer keeps the last max bytes written to it. It is safe for the
// concurrent writes os/exec makes when stdout and stderr share a writer.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(maxBytes int) *tailBuffer {
	return &tailBuffer{max: maxBytes}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; b.max > 0 && over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "[output truncated]\n" + string(b.buf)
	}
	return string(b.buf)
}
