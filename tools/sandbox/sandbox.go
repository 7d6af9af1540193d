// Package sandbox provides a container-backed command execution tool. It
// carries the same allow-list contract as the shell tool but runs each
// command inside a disposable container with networking disabled and
// memory/pids ceilings applied.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/skanga/conductor"
)

const (
	defaultImage    = "alpine:3.20"
	defaultMemoryMB = 256
	defaultPids     = 128
)

// Tool executes allow-listed commands in disposable containers. The image
// must already be present on the host; the tool never pulls.
type Tool struct {
	cfg    conductor.ShellExecConfig
	image  string
	memory int64
	pids   int64
	cli    containerClient
}

var _ conductor.Tool = (*Tool)(nil)

// containerClient is the slice of the Docker API the tool uses, split out
// so tests can substitute a fake.
type containerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
}

// Option configures the sandbox tool.
type Option func(*Tool)

// WithImage sets the container image (default alpine).
func WithImage(image string) Option {
	return func(t *Tool) { t.image = image }
}

// WithMemoryLimit sets the container memory ceiling in bytes.
func WithMemoryLimit(bytes int64) Option {
	return func(t *Tool) { t.memory = bytes }
}

// WithPidsLimit sets the container pids ceiling.
func WithPidsLimit(pids int64) Option {
	return func(t *Tool) { t.pids = pids }
}

// New creates a sandbox tool connected to the local Docker daemon.
func New(cfg conductor.ShellExecConfig, opts ...Option) (*Tool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryConfig, "SANDBOX_DAEMON", err)
	}

	def := conductor.DefaultConfig().Tools.ShellExec
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}

	t := &Tool{
		cfg:    cfg,
		image:  defaultImage,
		memory: defaultMemoryMB << 20,
		pids:   defaultPids,
		cli:    cli,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

func (t *Tool) Name() string { return "sandbox_exec" }

func (t *Tool) Describe() string {
	return "Execute an allow-listed command inside a disposable container with no network access. Args: {\"command\": string, \"args\": [string], \"timeout_secs\": int}."
}

type args struct {
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	TimeoutSecs int      `json:"timeout_secs"`
}

// Invoke runs the command in a one-shot container. The allow-list is
// checked before any container is created.
func (t *Tool) Invoke(ctx context.Context, raw json.RawMessage) conductor.ToolResult {
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return fail(conductor.WrapError(conductor.CategoryValidation, "SANDBOX_BAD_ARGS", err))
	}
	if strings.TrimSpace(a.Command) == "" {
		return fail(conductor.NewError(conductor.CategoryValidation, "SANDBOX_BAD_ARGS", "command is required"))
	}
	if !t.allowed(a.Command) {
		return fail(conductor.Errorf(conductor.CategoryPermission, "SHELL_COMMAND_DENIED",
			"command %q is not allow-listed", a.Command))
	}

	timeout := t.cfg.Timeout.Duration()
	if a.TimeoutSecs > 0 && time.Duration(a.TimeoutSecs)*time.Second < timeout {
		timeout = time.Duration(a.TimeoutSecs) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, exitCode, err := t.run(runCtx, append([]string{a.Command}, a.Args...))
	if runCtx.Err() == context.DeadlineExceeded {
		res := fail(conductor.Errorf(conductor.CategoryTimeout, "SANDBOX_TIMEOUT",
			"command timed out after %s", timeout))
		res.Output = output
		return res
	}
	if err != nil {
		return fail(conductor.Classify(err))
	}
	if exitCode != 0 {
		res := fail(conductor.Errorf(conductor.CategoryInternal, "SANDBOX_EXIT",
			"command exited with status %d", exitCode))
		res.Output = output
		return res
	}
	return conductor.ToolResult{OK: true, Output: output}
}

// run creates, starts, waits on, and collects output from one container.
// AutoRemove tears the container down once it stops.
func (t *Tool) run(ctx context.Context, argv []string) (string, int64, error) {
	created, err := t.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           t.image,
			Cmd:             argv,
			NetworkDisabled: true,
		},
		&container.HostConfig{
			AutoRemove:  true,
			NetworkMode: "none",
			Resources: container.Resources{
				Memory:    t.memory,
				PidsLimit: &t.pids,
			},
		},
		nil, nil, "")
	if err != nil {
		return "", 0, fmt.Errorf("create container: %w", err)
	}
	id := created.ID

	if err := t.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", 0, fmt.Errorf("start container: %w", err)
	}

	waitCh, errCh := t.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case res := <-waitCh:
		exitCode = res.StatusCode
	case err := <-errCh:
		_ = t.cli.ContainerKill(context.WithoutCancel(ctx), id, "KILL")
		return "", 0, fmt.Errorf("wait container: %w", err)
	case <-ctx.Done():
		_ = t.cli.ContainerKill(context.WithoutCancel(ctx), id, "KILL")
		return "", 0, ctx.Err()
	}

	// Logs are read with the parent context detached so a deadline that
	// fired between wait and here still lets us collect output.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	logs, err := t.cli.ContainerLogs(logCtx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", exitCode, nil
	}
	defer logs.Close()

	stdout := newLimitedBuffer(t.cfg.MaxOutputBytes)
	stderr := newLimitedBuffer(t.cfg.MaxOutputBytes)
	_, _ = stdcopy.StdCopy(stdout, stderr, logs)

	out := stdout.String()
	if e := stderr.String(); e != "" {
		if out != "" {
			out += "\n--- stderr ---\n"
		}
		out += e
	}
	return out, exitCode, nil
}

func (t *Tool) allowed(command string) bool {
	base := command
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	for _, c := range t.cfg.AllowedCommands {
		if base == c {
			return true
		}
	}
	return false
}

func fail(err *conductor.StructuredError) conductor.ToolResult {
	return conductor.ToolResult{OK: false, Error: err}
}

// limitedBuffer captures up to max bytes and drops the rest.
type limitedBuffer struct {
	b   strings.Builder
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	remain := l.max - l.b.Len()
	if remain > 0 {
		if len(p) > remain {
			l.b.Write(p[:remain])
		} else {
			l.b.Write(p)
		}
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string { return l.b.String() }
