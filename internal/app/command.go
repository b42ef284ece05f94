package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"icecron/internal/task/engine"
	logx "icecron/pkg/logx"
)

const (
	// outputTail bounds how much of a failed command's output is kept for
	// the error message.
	outputTail = 4 << 10
	// waitDelay is how long a canceled command gets to exit before its
	// pipes are closed forcibly.
	waitDelay = 5 * time.Second
)

// CommandTask runs an external program. Each Execute starts a new process;
// the context deadline kills it.
type CommandTask struct {
	ID   string
	Argv []string
	Dir  string
	// Env entries ("K=V") are appended to the daemon's environment.
	Env []string
	Log logx.Logger
}

func (c *CommandTask) Execute(ctx context.Context) error {
	if len(c.Argv) == 0 {
		return engine.NoRetry(errors.New("empty command"))
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = waitDelay

	out := &tailBuffer{max: outputTail}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	dur := time.Since(start)
	if err == nil {
		c.Log.Debug("command finished", logx.String("task", c.ID), logx.Duration("dur", dur), logx.Int("output_bytes", out.total))
		return nil
	}

	msg := out.String()
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("command %s: %w", c.Argv[0], ctx.Err())
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		// retrying will not make the binary appear
		return engine.NoRetry(fmt.Errorf("command %s: %w", c.Argv[0], err))
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		err = fmt.Errorf("command %s: exit status %d", c.Argv[0], ee.ExitCode())
	} else {
		err = fmt.Errorf("command %s: %w", c.Argv[0], err)
	}
	if msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

// envList renders env as sorted K=V pairs.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

// tailBuffer keeps the last max bytes written to it. exec serializes
// writes when Stdout and Stderr are the same writer.
type tailBuffer struct {
	max   int
	buf   []byte
	total int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.total += len(p)
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	s := strings.TrimSpace(string(b.buf))
	if b.total > len(b.buf) && s != "" {
		return "..." + s
	}
	return s
}
