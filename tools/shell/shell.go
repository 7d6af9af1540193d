// Package shell provides an allow-list command execution tool. Only
// explicitly permitted base commands may run; the allow-list check happens
// before any process is spawned.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/skanga/conductor"
)

// shellMetachars may not appear in the command name. Commands run as a
// direct argv spawn, never through a shell, so these characters have no
// legitimate use in argv[0].
const shellMetachars = "|&;<>()$`\\\"' \t\r\n*?[]#~"

// Tool executes allow-listed commands with a wall-clock timeout and
// per-stream output ceilings.
type Tool struct {
	cfg conductor.ShellExecConfig
}

var _ conductor.Tool = (*Tool)(nil)

// New creates a shell execution tool from config. Zero-value limits fall
// back to the defaults in conductor.DefaultConfig.
func New(cfg conductor.ShellExecConfig) *Tool {
	def := conductor.DefaultConfig().Tools.ShellExec
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	return &Tool{cfg: cfg}
}

func (t *Tool) Name() string { return "shell_exec" }

func (t *Tool) Describe() string {
	return "Execute an allow-listed command. Args: {\"command\": string, \"args\": [string], \"timeout_secs\": int}. The command runs directly without a shell; arguments are passed verbatim. Returns stdout and stderr."
}

type args struct {
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	TimeoutSecs int      `json:"timeout_secs"`
}

// Invoke runs the command when its base name is allow-listed. The process
// is spawned directly from argv, so shell operators, substitutions, and
// metacharacters in the arguments stay inert text. Denials happen before
// any process is spawned.
func (t *Tool) Invoke(ctx context.Context, raw json.RawMessage) conductor.ToolResult {
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return fail(conductor.WrapError(conductor.CategoryValidation, "SHELL_BAD_ARGS", err))
	}
	if strings.TrimSpace(a.Command) == "" {
		return fail(conductor.NewError(conductor.CategoryValidation, "SHELL_BAD_ARGS", "command is required"))
	}

	if denied := t.deniedCommand(a.Command); denied != "" {
		return fail(conductor.Errorf(conductor.CategoryPermission, "SHELL_COMMAND_DENIED",
			"command %q is not allow-listed", denied))
	}

	timeout := t.cfg.Timeout.Duration()
	if a.TimeoutSecs > 0 && time.Duration(a.TimeoutSecs)*time.Second < timeout {
		timeout = time.Duration(a.TimeoutSecs) * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, a.Command, a.Args...)
	// Run in its own process group so the kill on timeout reaches children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout := newLimitedWriter(t.cfg.MaxOutputBytes)
	stderr := newLimitedWriter(t.cfg.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	output := combineStreams(stdout, stderr)

	if cmdCtx.Err() == context.DeadlineExceeded {
		res := fail(conductor.Errorf(conductor.CategoryTimeout, "SHELL_TIMEOUT",
			"command timed out after %s", timeout))
		res.Output = output
		return res
	}
	if err != nil {
		res := fail(conductor.WrapError(conductor.CategoryInternal, "SHELL_EXIT", err))
		res.Output = output
		return res
	}
	return conductor.ToolResult{OK: true, Output: output}
}

// deniedCommand returns the rejected command name, or "" when the command
// may run. A name carrying shell metacharacters is rejected outright; an
// absolute or relative path is reduced to its base name for the allow-list
// check but executed as given.
func (t *Tool) deniedCommand(command string) string {
	if strings.ContainsAny(command, shellMetachars) {
		return command
	}
	base := command
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if !t.allowed(base) {
		return base
	}
	return ""
}

func (t *Tool) allowed(base string) bool {
	for _, c := range t.cfg.AllowedCommands {
		if base == c {
			return true
		}
	}
	return false
}

func combineStreams(stdout, stderr *limitedWriter) string {
	out := stdout.String()
	if e := stderr.String(); e != "" {
		if out != "" {
			out += "\n--- stderr ---\n"
		}
		out += e
	}
	return out
}

func fail(err *conductor.StructuredError) conductor.ToolResult {
	return conductor.ToolResult{OK: false, Error: err}
}

// limitedWriter captures up to max bytes and silently drops the rest, so a
// chatty command cannot balloon the result.
type limitedWriter struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newLimitedWriter(max int) *limitedWriter {
	return &limitedWriter{max: max}
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remain := w.max - w.buf.Len()
	if remain <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		w.buf.Write(p[:remain])
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *limitedWriter) String() string {
	if w.truncated {
		return w.buf.String() + "\n... (truncated)"
	}
	return w.buf.String()
}
