package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLocal_CapturesOutput(t *testing.T) {
	r := NewLocal(zaptest.NewLogger(t))
	var live bytes.Buffer

	res, err := r.Run(context.Background(), Cmd{
		Path:   "sh",
		Args:   []string{"-c", "echo out; echo $DV_TEST; cat"},
		Env:    []string{"DV_TEST=from-env"},
		Stdin:  strings.NewReader("piped"),
		Stdout: &live,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\nfrom-env\npiped", live.String())
	assert.Empty(t, res.Stdout, "指定了 Stdout 就不再缓存")

	res, err = r.Run(context.Background(), Cmd{Path: "echo", Args: []string{"buffered"}})
	require.NoError(t, err)
	assert.Equal(t, "buffered\n", string(res.Stdout))
}

func TestLocal_ExitError(t *testing.T) {
	r := NewLocal(nil)
	res, err := r.Run(context.Background(), Cmd{
		Path: "sh",
		Args: []string{"-c", "echo first >&2; echo 'dpkg: error processing' >&2; exit 3"},
		Dir:  t.TempDir(),
	})
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, err.Error(), "exit status 3: dpkg: error processing")
}

func TestLocal_MissingBinary(t *testing.T) {
	_, err := NewLocal(nil).Run(context.Background(), Cmd{Path: "/nonexistent/dv-tool"})
	require.Error(t, err)

	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))
}

func TestLocal_Canceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewLocal(nil).Run(ctx, Cmd{Path: "sleep", Args: []string{"5"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
