package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skanga/conductor"
)

func newTool(t *testing.T, cfg conductor.FileReadConfig) (*Tool, string) {
	t.Helper()
	dir := t.TempDir()
	cfg.BaseDir = dir
	return New(cfg), dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	full := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func invoke(t *testing.T, tool *Tool, path string) conductor.ToolResult {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		t.Fatal(err)
	}
	return tool.Invoke(context.Background(), raw)
}

func TestInvokeReadsFile(t *testing.T) {
	tool, dir := newTool(t, conductor.FileReadConfig{})
	writeFile(t, dir, "notes/a.txt", "file contents")

	res := invoke(t, tool, "notes/a.txt")
	if !res.OK {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.Output != "file contents" {
		t.Errorf("output = %q, want file contents", res.Output)
	}
}

func TestInvokePathRejections(t *testing.T) {
	tool, dir := newTool(t, conductor.FileReadConfig{MaxPathLength: 64})
	writeFile(t, dir, "a.txt", "x")

	tests := []struct {
		name     string
		path     string
		wantCode string
	}{
		{"empty path", "", "FILE_BAD_PATH"},
		{"absolute path", "/etc/passwd", "FILE_BAD_PATH"},
		{"traversal", "../secrets.txt", "FILE_BAD_PATH"},
		{"hidden traversal", "a/../../b.txt", "FILE_BAD_PATH"},
		{"control character", "a\x01.txt", "FILE_BAD_PATH"},
		{"overlong path", strings.Repeat("p/", 40) + "a.txt", "FILE_PATH_TOO_LONG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := invoke(t, tool, tt.path)
			if res.OK {
				t.Fatalf("path %q was accepted", tt.path)
			}
			if res.Error.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", res.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestInvokeNotFound(t *testing.T) {
	tool, _ := newTool(t, conductor.FileReadConfig{})
	res := invoke(t, tool, "missing.txt")
	if res.OK || res.Error.Code != "FILE_NOT_FOUND" {
		t.Errorf("result = %+v, want FILE_NOT_FOUND", res)
	}
	if res.Error.Category != conductor.CategoryNotFound {
		t.Errorf("category = %s, want not_found", res.Error.Category)
	}
}

func TestInvokeDirectoryRejected(t *testing.T) {
	tool, dir := newTool(t, conductor.FileReadConfig{})
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	res := invoke(t, tool, "sub")
	if res.OK || res.Error.Code != "FILE_IS_DIR" {
		t.Errorf("result = %+v, want FILE_IS_DIR", res)
	}
}

func TestInvokeSizeLimit(t *testing.T) {
	tool, dir := newTool(t, conductor.FileReadConfig{MaxSize: 8})
	writeFile(t, dir, "big.txt", "this file is larger than eight bytes")

	res := invoke(t, tool, "big.txt")
	if res.OK || res.Error.Code != "FILE_TOO_LARGE" {
		t.Errorf("result = %+v, want FILE_TOO_LARGE", res)
	}
	if res.Error.Category != conductor.CategorySizeExceeded {
		t.Errorf("category = %s, want size_exceeded", res.Error.Category)
	}
}

func TestInvokeSymlinkPolicy(t *testing.T) {
	tool, dir := newTool(t, conductor.FileReadConfig{})
	writeFile(t, dir, "target.txt", "linked contents")
	if err := os.Symlink(filepath.Join(dir, "target.txt"), filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	res := invoke(t, tool, "link.txt")
	if res.OK || res.Error.Code != "FILE_SYMLINK_DENIED" {
		t.Errorf("result = %+v, want FILE_SYMLINK_DENIED by default", res)
	}

	tool2 := New(conductor.FileReadConfig{BaseDir: dir, AllowSymlinks: true})
	res = invoke(t, tool2, "link.txt")
	if !res.OK {
		t.Fatalf("result = %+v, want the symlink followed when allowed", res)
	}
	if res.Output != "linked contents" {
		t.Errorf("output = %q, want linked contents", res.Output)
	}
}

func TestInvokeSymlinkedDirectoryDenied(t *testing.T) {
	tool, dir := newTool(t, conductor.FileReadConfig{})
	outside := t.TempDir()
	writeFile(t, outside, "secret.txt", "outside contents")
	if err := os.Symlink(outside, filepath.Join(dir, "sub")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	// The final component is a regular file; the escape is the directory.
	res := invoke(t, tool, "sub/secret.txt")
	if res.OK || res.Error.Code != "FILE_SYMLINK_DENIED" {
		t.Errorf("result = %+v, want FILE_SYMLINK_DENIED for the symlinked directory", res)
	}

	tool2 := New(conductor.FileReadConfig{BaseDir: dir, AllowSymlinks: true})
	res = invoke(t, tool2, "sub/secret.txt")
	if !res.OK || res.Output != "outside contents" {
		t.Errorf("result = %+v, want the link followed when allowed", res)
	}
}

func TestInvokeBadArgs(t *testing.T) {
	tool, _ := newTool(t, conductor.FileReadConfig{})
	res := tool.Invoke(context.Background(), json.RawMessage(`{broken`))
	if res.OK || res.Error.Code != "FILE_BAD_ARGS" {
		t.Errorf("result = %+v, want FILE_BAD_ARGS", res)
	}
}

func TestInvokePDFParseFailure(t *testing.T) {
	tool, dir := newTool(t, conductor.FileReadConfig{})
	writeFile(t, dir, "fake.pdf", "not actually a pdf")

	res := invoke(t, tool, "fake.pdf")
	if res.OK || res.Error.Code != "FILE_PDF_PARSE" {
		t.Errorf("result = %+v, want FILE_PDF_PARSE", res)
	}
}
