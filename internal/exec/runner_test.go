package exec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRunner_Stdout(t *testing.T) {
	out, err := NewCommandRunner().Run(context.Background(), "sh", "-c", "echo hello; echo noise >&2")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestCommandRunner_CommandError(t *testing.T) {
	_, err := NewCommandRunner().Run(context.Background(), "sh", "-c", "echo 'ERROR: private video' >&2; exit 3")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Error(), "private video")
}

func TestCommandRunner_ContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewCommandRunner().Run(ctx, "sleep", "5")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
