package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/flowmesh/flowmesh/pkg/logger"
)

// workerHarness wraps the user code in a function body that receives
// the decoded input and must return a JSON-serializable value. The
// process has no host access beyond stdin/stdout; filesystem and
// network permission flags are left to the runtime arguments.
const workerHarness = `"use strict";
const chunks = [];
process.stdin.on("data", (c) => chunks.push(c));
process.stdin.on("end", () => {
	let input = null;
	try {
		const raw = Buffer.concat(chunks).toString();
		input = raw ? JSON.parse(raw) : null;
	} catch (err) {
		console.error("input decode failed: " + err);
		process.exit(3);
	}
	let fn;
	try {
		fn = new Function("input", %q);
	} catch (err) {
		console.error(String((err && err.stack) || err));
		process.exit(2);
	}
	Promise.resolve()
		.then(() => fn(input))
		.then((output) => {
			process.stdout.write(JSON.stringify(output === undefined ? null : output));
		})
		.catch((err) => {
			console.error(String((err && err.stack) || err));
			process.exit(1);
		});
});
`

const (
	exitUserError   = 1
	exitSyntaxError = 2
	exitDecodeError = 3
	exitOOMAbort    = 134
)

// Runner is the sandbox contract consumed by the engine.
type Runner interface {
	Run(ctx context.Context, code string, input any, limits Limits) (any, error)
}

// Manager executes user-authored code in an isolated, resource-bounded
// interpreter subprocess.
type Manager struct {
	config *Config
}

func NewManager(opts ...Option) *Manager {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Manager{config: cfg}
}

// Run executes the code with the decoded input and returns its output.
// Faults map to ErrTimeout, ErrMemoryExceeded, ErrSyntax or ErrRuntime.
func (m *Manager) Run(ctx context.Context, code string, input any, limits Limits) (any, error) {
	limits = m.applyDefaults(limits)
	workerPath, cleanup, err := m.writeWorkerFile(code)
	if err != nil {
		return nil, &ProcessError{Operation: "setup", Err: err}
	}
	defer cleanup()

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, &ProcessError{Operation: "encode input", Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	args := append(m.memoryArgs(limits.Memory), m.config.RuntimeArgs...)
	args = append(args, workerPath)
	cmd := exec.CommandContext(runCtx, m.config.RuntimeBinary, args...)
	cmd.Stdin = bytes.NewReader(inputJSON)
	var stdout bytes.Buffer
	stderr := &boundedBuffer{limit: m.config.StderrBufferSize}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	logger.FromContext(ctx).Debug("sandbox execution finished",
		"duration", time.Since(start), "error", runErr)

	if runErr != nil {
		return nil, m.classify(runCtx, runErr, stderr.String())
	}
	var output any
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		return nil, fmt.Errorf("%w: output is not valid JSON: %v", ErrRuntime, err)
	}
	return output, nil
}

func (m *Manager) applyDefaults(limits Limits) Limits {
	if limits.Timeout <= 0 {
		limits.Timeout = m.config.DefaultLimits.Timeout
	}
	if limits.Memory <= 0 {
		limits.Memory = m.config.DefaultLimits.Memory
	}
	return limits
}

func (m *Manager) memoryArgs(memory int64) []string {
	if !strings.Contains(m.config.RuntimeBinary, "node") {
		return nil
	}
	return []string{fmt.Sprintf("--max-old-space-size=%d", memory>>20)}
}

func (m *Manager) writeWorkerFile(code string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "flowmesh-sandbox-")
	if err != nil {
		return "", nil, fmt.Errorf("creating worker dir: %w", err)
	}
	path := filepath.Join(dir, "worker.js")
	content := fmt.Sprintf(workerHarness, code)
	if err := os.WriteFile(path, []byte(content), m.config.WorkerFilePerm); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("writing worker file: %w", err)
	}
	return path, func() { os.RemoveAll(dir) }, nil
}

// classify maps a subprocess failure to one of the sandbox fault kinds.
func (m *Manager) classify(ctx context.Context, runErr error, stderr string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		switch exitErr.ExitCode() {
		case exitSyntaxError:
			return fmt.Errorf("%w: %s", ErrSyntax, firstLine(stderr))
		case exitUserError, exitDecodeError:
			if looksLikeOOM(stderr) {
				return ErrMemoryExceeded
			}
			return fmt.Errorf("%w: %s", ErrRuntime, firstLine(stderr))
		case exitOOMAbort:
			return ErrMemoryExceeded
		}
		if looksLikeOOM(stderr) {
			return ErrMemoryExceeded
		}
		return fmt.Errorf("%w: %s", ErrRuntime, firstLine(stderr))
	}
	return &ProcessError{Operation: "run", Err: runErr}
}

func looksLikeOOM(stderr string) bool {
	return strings.Contains(stderr, "heap out of memory") ||
		strings.Contains(stderr, "Allocation failed")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// boundedBuffer retains only the first limit bytes written.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return b.buf.String()
}
