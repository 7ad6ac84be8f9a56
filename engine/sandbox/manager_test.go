package sandbox

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	t.Run("Should fill zero limits from the config", func(t *testing.T) {
		manager := NewManager(WithDefaultLimits(Limits{Timeout: 5 * time.Second, Memory: 64 << 20}))
		limits := manager.applyDefaults(Limits{})
		assert.Equal(t, 5*time.Second, limits.Timeout)
		assert.Equal(t, int64(64<<20), limits.Memory)
	})
	t.Run("Should keep caller-provided limits", func(t *testing.T) {
		manager := NewManager()
		limits := manager.applyDefaults(Limits{Timeout: time.Second, Memory: 1 << 20})
		assert.Equal(t, time.Second, limits.Timeout)
		assert.Equal(t, int64(1<<20), limits.Memory)
	})
}

func TestMemoryArgs(t *testing.T) {
	t.Run("Should pass a heap ceiling to node", func(t *testing.T) {
		manager := NewManager(WithRuntime("node"))
		assert.Equal(t, []string{"--max-old-space-size=128"}, manager.memoryArgs(128<<20))
	})
	t.Run("Should skip the flag for other runtimes", func(t *testing.T) {
		manager := NewManager(WithRuntime("deno", "run"))
		assert.Nil(t, manager.memoryArgs(128<<20))
	})
}

func TestWriteWorkerFile(t *testing.T) {
	t.Run("Should embed the user code in the harness", func(t *testing.T) {
		manager := NewManager()
		path, cleanup, err := manager.writeWorkerFile("return input;")
		require.NoError(t, err)
		defer cleanup()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"return input;"`)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})
	t.Run("Should remove the worker dir on cleanup", func(t *testing.T) {
		manager := NewManager()
		path, cleanup, err := manager.writeWorkerFile("return 1;")
		require.NoError(t, err)
		cleanup()
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestFaultClassification(t *testing.T) {
	t.Run("Should recognize heap exhaustion messages", func(t *testing.T) {
		assert.True(t, looksLikeOOM("FATAL ERROR: Reached heap limit Allocation failed - JavaScript heap out of memory"))
		assert.False(t, looksLikeOOM("TypeError: x is not a function"))
	})
	t.Run("Should trim stderr to its first line", func(t *testing.T) {
		assert.Equal(t, "TypeError: boom", firstLine("  TypeError: boom\n  at worker.js:3\n"))
		assert.Equal(t, "single", firstLine("single"))
		assert.Equal(t, "", firstLine(""))
	})
	t.Run("Should map faults to persisted error codes", func(t *testing.T) {
		assert.Equal(t, "SANDBOX_TIMEOUT", CodeFor(ErrTimeout))
		assert.Equal(t, "SANDBOX_MEMORY_EXCEEDED", CodeFor(ErrMemoryExceeded))
		assert.Equal(t, "SANDBOX_SYNTAX_ERROR", CodeFor(ErrSyntax))
		assert.Equal(t, "SANDBOX_FAULT", CodeFor(ErrRuntime))
		assert.Equal(t, "SANDBOX_FAULT", CodeFor(assert.AnError))
	})
}

func TestBoundedBuffer(t *testing.T) {
	t.Run("Should retain only the first limit bytes", func(t *testing.T) {
		buf := &boundedBuffer{limit: 5}
		n, err := buf.Write([]byte("hello world"))
		require.NoError(t, err)
		assert.Equal(t, len("hello world"), n, "writer must not see a short write")
		assert.Equal(t, "hello", buf.String())

		_, err = buf.Write([]byte("more"))
		require.NoError(t, err)
		assert.Equal(t, "hello", buf.String())
	})
}

func requireNode(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("node"); err != nil {
		t.Skip("node runtime not installed")
	}
}

func TestRun(t *testing.T) {
	manager := NewManager(WithDefaultLimits(Limits{Timeout: 10 * time.Second, Memory: 128 << 20}))

	t.Run("Should execute user code against the input", func(t *testing.T) {
		requireNode(t)
		output, err := manager.Run(context.Background(),
			"return {doubled: input.n * 2};",
			map[string]any{"n": 21.0}, Limits{})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"doubled": 42.0}, output)
	})
	t.Run("Should classify syntax errors", func(t *testing.T) {
		requireNode(t)
		_, err := manager.Run(context.Background(), "return {;", nil, Limits{})
		assert.ErrorIs(t, err, ErrSyntax)
	})
	t.Run("Should classify thrown errors as runtime faults", func(t *testing.T) {
		requireNode(t)
		_, err := manager.Run(context.Background(), `throw new Error("boom");`, nil, Limits{})
		require.ErrorIs(t, err, ErrRuntime)
		assert.True(t, strings.Contains(err.Error(), "boom"))
	})
	t.Run("Should enforce the wall-clock timeout", func(t *testing.T) {
		requireNode(t)
		_, err := manager.Run(context.Background(), "while (true) {}", nil,
			Limits{Timeout: 500 * time.Millisecond})
		assert.ErrorIs(t, err, ErrTimeout)
	})
	t.Run("Should fail with a process error for a missing runtime", func(t *testing.T) {
		broken := NewManager(WithRuntime("definitely-not-a-runtime"))
		_, err := broken.Run(context.Background(), "return 1;", nil, Limits{Timeout: time.Second})
		var processErr *ProcessError
		assert.ErrorAs(t, err, &processErr)
	})
}
