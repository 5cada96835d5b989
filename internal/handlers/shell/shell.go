// Package shell runs a local command as a task.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"jobflow/internal/handlers"
)

type Shell struct {
	// Dir is the default working directory.
	Dir string
}

type Cmd struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
	Timeout float64           `json:"timeout"` // seconds
}

// Result is what a successful command returns.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Handle runs kwargs {command, args, dir, env, timeout}. Without a command
// kwarg the positional args are used as [command, arg...].
func (h Shell) Handle(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	var c Cmd
	if err := handlers.Decode(kwargs, &c); err != nil {
		return nil, err
	}
	if c.Command == "" && len(args) > 0 {
		for i, a := range args {
			s := fmt.Sprint(a)
			if i == 0 {
				c.Command = s
				continue
			}
			c.Args = append(c.Args, s)
		}
	}
	if c.Command == "" {
		return nil, errors.New("command is required")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.Timeout*float64(time.Second)))
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	if cmd.Dir == "" {
		cmd.Dir = h.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return nil, fmt.Errorf("shell error: exit %d: %v; stderr=%s", res.ExitCode, err, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}
