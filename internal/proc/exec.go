package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Command is one child process to run.
type Command struct {
	Line string // shell command line
	Dir  string
	// Output receives the combined output in addition to the captured tail.
	Output io.Writer
}

// Result is the outcome of a finished child process.
type Result struct {
	ExitCode int
	Duration time.Duration
	// Tail is the last part of the combined output, kept for diagnostics.
	Tail string
}

// Invoker runs commands. Tests substitute a fake.
type Invoker interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// tailSize bounds the output kept in Result.Tail.
const tailSize = 4096

// Shell runs command lines through a POSIX shell, each in its own session so
// the compiler cannot grab the controlling terminal.
type Shell struct {
	Path string // defaults to /bin/sh
	Log  *slog.Logger
}

// Run executes cmd and waits for it. A non-zero exit is reported through
// Result.ExitCode; the error is reserved for failures to start or wait.
func (s *Shell) Run(ctx context.Context, cmd Command) (Result, error) {
	sh := s.Path
	if sh == "" {
		sh = "/bin/sh"
	}
	c := exec.CommandContext(ctx, sh, "-c", cmd.Line)
	c.Dir = cmd.Dir
	c.SysProcAttr = sessionAttr()
	c.Env = os.Environ()

	var buf bytes.Buffer
	var out io.Writer = &buf
	if cmd.Output != nil {
		out = io.MultiWriter(&buf, cmd.Output)
	}
	c.Stdout = out
	c.Stderr = out

	if s.Log != nil {
		s.Log.Debug("running", "command", cmd.Line, "dir", cmd.Dir)
	}
	start := time.Now()
	err := c.Run()
	res := Result{Duration: time.Since(start), Tail: tail(buf.Bytes())}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		res.ExitCode = -1
		return res, fmt.Errorf("running %q: %w", cmd.Line, err)
	}
}

func tail(b []byte) string {
	if len(b) > tailSize {
		b = b[len(b)-tailSize:]
	}
	return string(b)
}
