package localexec

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/domain"
)

func cmdTask(id string, argv ...string) *domain.Task {
	data, _ := json.Marshal(map[string]any{"command": argv})
	return &domain.Task{ID: id, Payload: data}
}

func TestExecutorRunsCommand(t *testing.T) {
	execute := Executor(slog.Default())
	err := execute(context.Background(), cmdTask("ok", "sh", "-c", "exit 0"))
	require.NoError(t, err)
}

func TestExecutorReportsFailureWithOutput(t *testing.T) {
	execute := Executor(slog.Default())
	err := execute(context.Background(), cmdTask("bad", "sh", "-c", "echo assertion failed >&2; exit 3"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assertion failed")
}

func TestExecutorRejectsMissingCommand(t *testing.T) {
	execute := Executor(slog.Default())

	err := execute(context.Background(), &domain.Task{ID: "empty"})
	require.Error(t, err)

	err = execute(context.Background(), &domain.Task{ID: "no-cmd", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
}

func TestExecutorHonoursContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	execute := Executor(slog.Default())
	err := execute(ctx, cmdTask("cancelled", "sleep", "10"))
	require.Error(t, err)
}

func TestCommandExtraction(t *testing.T) {
	assert.Equal(t, []string{"go", "test", "./..."}, Command(cmdTask("t", "go", "test", "./...")))
	assert.Nil(t, Command(&domain.Task{ID: "none"}))
	assert.Nil(t, Command(&domain.Task{ID: "junk", Payload: json.RawMessage(`not-json`)}))
}
