package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
)

// Command is an external program invocation. Arguments are passed as a
// slice and never interpreted by a shell.
type Command struct {
	Path string
	Args []string

	// Stdin, Stdout and Stderr are connected when set. Stderr is always
	// captured into Result.Stderr as well.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of a command that ran.
type Result struct {
	ExitCode int
	Stderr   string

	// Interrupted is set when the process was ended by SIGINT or SIGTERM
	Interrupted bool
}

// Runner executes commands. A non-nil error means the command could not be
// run at all; a non-zero exit is reported through Result.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec. On context cancellation the
// process receives an interrupt and is killed if it has not exited after
// WaitDelay.
type ExecRunner struct {
	WaitDelay time.Duration
	Log       log.FieldLogger
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 10 * time.Second
	}

	var stderr bytes.Buffer
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	if c.Stderr != nil {
		cmd.Stderr = io.MultiWriter(c.Stderr, &stderr)
	} else {
		cmd.Stderr = &stderr
	}

	if r.Log != nil {
		r.Log.Debugf("%v", cmd.Args)
	}

	err := cmd.Run()
	res := Result{Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		res.Interrupted = interruptedBySignal(exitErr.ProcessState)
		return res, nil
	}
	if ctx.Err() != nil && cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		res.Interrupted = true
		return res, nil
	}
	return res, err
}
