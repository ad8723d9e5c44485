// Package localexec runs task commands as local subprocesses, the
// no-isolation counterpart to the sandbox engine.
package localexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/taskgrid/taskgrid/internal/domain"
)

// payload is the JSON shape a command task carries.
type payload struct {
	Command []string `json:"command"`
	Env     []string `json:"env,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

// Command extracts the argv from a task payload, or nil when the payload
// carries none.
func Command(task *domain.Task) []string {
	var p payload
	if len(task.Payload) == 0 || json.Unmarshal(task.Payload, &p) != nil {
		return nil
	}
	return p.Command
}

const outputTail = 2048

// Executor returns an ExecuteFunc that runs each task's payload command as a
// subprocess. A non-zero exit is a task-logic failure carrying the tail of
// the combined output.
func Executor(logger *slog.Logger) domain.ExecuteFunc {
	return func(ctx context.Context, task *domain.Task) error {
		var p payload
		if len(task.Payload) == 0 {
			return fmt.Errorf("task %s has no payload", task.ID)
		}
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("task %s payload: %w", task.ID, err)
		}
		if len(p.Command) == 0 {
			return fmt.Errorf("task %s payload has no command", task.ID)
		}

		cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
		cmd.Env = p.Env
		cmd.Dir = p.Dir

		out, err := cmd.CombinedOutput()
		if err != nil {
			tail := out
			if len(tail) > outputTail {
				tail = tail[len(tail)-outputTail:]
			}
			return fmt.Errorf("task %s: %w: %s", task.ID, err, tail)
		}

		logger.Debug("command finished",
			slog.String("task_id", task.ID),
			slog.Int("output_bytes", len(out)),
		)
		return nil
	}
}
