package bootstrap

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bigdatalab/labprovision/internal/ssh"
	"github.com/chainguard-dev/clog"
	"github.com/schollz/progressbar/v3"
)

var ErrConnect = fmt.Errorf("failed to connect to instance")

// CommandError reports the command that aborted a toolchain run.
type CommandError struct {
	Toolchain string
	// Index is the zero-based position of the failed command.
	Index   int
	Command string
	Stderr  string
	// ExitStatus is -1 when the command produced no exit status.
	ExitStatus int
	// Err is the execution error, if any. A command that exited zero but wrote
	// to stderr has a nil Err.
	Err error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: command %d failed: %s", e.Toolchain, e.Index+1, e.Command)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&b, ": stderr: %s", stderr)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// CommandResult is the captured output of one command.
type CommandResult struct {
	Command string
	Stdout  string
	Stderr  string
}

// Result lists what ran, in order. On abort it ends with the failed command.
type Result struct {
	Toolchain string
	Commands  []CommandResult
}

// Runner installs toolchains over one session per run.
type Runner struct {
	Dialer Dialer
	// Stdout receives each command's standard output. Nil discards it.
	Stdout io.Writer
	// Progress, when set, receives a progress bar.
	Progress io.Writer
}

// Run connects to 't' and executes the commands of 'tc' in order, stopping at
// the first one that writes to stderr or fails to execute. There are no
// retries.
//
// A connection failure wraps 'ErrConnect'; a command failure is a
// '*CommandError'. The returned Result is non-nil whenever the connection was
// established.
func (r *Runner) Run(ctx context.Context, t Target, tc Toolchain) (*Result, error) {
	log := clog.FromContext(ctx).With("toolchain", tc.Name, "host", t.Host)
	stdout := r.Stdout
	if stdout == nil {
		stdout = io.Discard
	}

	sess, err := r.Dialer.Dial(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, t.Host, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("failed to close session", "error", err)
		}
	}()

	var bar *progressbar.ProgressBar
	if r.Progress != nil {
		bar = progressbar.NewOptions(len(tc.Commands),
			progressbar.OptionSetWriter(r.Progress),
			progressbar.OptionSetDescription(tc.Name),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	res := &Result{Toolchain: tc.Name}
	for i, cmd := range tc.Commands {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%s: interrupted before command %d: %w", tc.Name, i+1, err)
		}
		log.Debug("executing command", "index", i+1, "of", len(tc.Commands))

		out, errOut, err := sess.Exec(cmd)
		res.Commands = append(res.Commands, CommandResult{
			Command: cmd,
			Stdout:  out,
			Stderr:  errOut,
		})
		if out != "" {
			fmt.Fprint(stdout, out)
			if !strings.HasSuffix(out, "\n") {
				fmt.Fprintln(stdout)
			}
		}

		if errOut != "" || err != nil {
			if bar != nil {
				_ = bar.Exit()
			}
			cmdErr := &CommandError{
				Toolchain:  tc.Name,
				Index:      i,
				Command:    cmd,
				Stderr:     errOut,
				ExitStatus: -1,
				Err:        err,
			}
			if status, ok := ssh.ExitStatus(err); ok {
				cmdErr.ExitStatus = status
			} else if err == nil {
				cmdErr.ExitStatus = 0
			}
			log.Error("command failed, aborting toolchain",
				"index", i+1,
				"exit_status", cmdErr.ExitStatus,
				"remaining", len(tc.Commands)-i-1,
			)
			return res, cmdErr
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	log.Info("toolchain installed", "commands", len(tc.Commands))
	return res, nil
}
