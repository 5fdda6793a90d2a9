// Package shell runs a local command for a dispatched task.
package shell

import (
	"context"
	"fmt"
	"os/exec"

	"localbeat/internal/queue"
)

type Shell struct{}

// Cmd is bound from the task kwargs. Positional task args are appended to
// Args.
type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

func (h Shell) Handle(ctx context.Context, p queue.Payload) error {
	var c Cmd
	if err := p.Bind(&c); err != nil {
		return err
	}
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	for _, a := range p.Args {
		c.Args = append(c.Args, fmt.Sprint(a))
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return nil
}
