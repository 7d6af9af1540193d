// Package file provides a read-only file access tool rooted at a base
// directory. Every path is validated before any filesystem call: absolute
// paths, traversal, control characters, overlong paths, and (by default)
// symlinks are rejected.
package file

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/skanga/conductor"
)

// Tool reads files under a base directory with size and path limits.
type Tool struct {
	cfg conductor.FileReadConfig
}

var _ conductor.Tool = (*Tool)(nil)

// New creates a file read tool from config. Zero-value limits fall back to
// the defaults in conductor.DefaultConfig.
func New(cfg conductor.FileReadConfig) *Tool {
	def := conductor.DefaultConfig().Tools.FileRead
	if cfg.BaseDir == "" {
		cfg.BaseDir = def.BaseDir
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxPathLength <= 0 {
		cfg.MaxPathLength = def.MaxPathLength
	}
	return &Tool{cfg: cfg}
}

func (t *Tool) Name() string { return "file_read" }

func (t *Tool) Describe() string {
	return "Read a file relative to the workspace directory. Args: {\"path\": string}. PDF files are extracted to text."
}

type args struct {
	Path string `json:"path"`
}

// Invoke validates the path and reads the file.
func (t *Tool) Invoke(ctx context.Context, raw json.RawMessage) conductor.ToolResult {
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return fail(conductor.WrapError(conductor.CategoryValidation, "FILE_BAD_ARGS", err))
	}

	full, serr := t.validatePath(a.Path)
	if serr != nil {
		return fail(serr)
	}

	info, err := os.Lstat(full)
	if os.IsNotExist(err) {
		return fail(conductor.Errorf(conductor.CategoryNotFound, "FILE_NOT_FOUND", "file not found: %s", a.Path))
	}
	if err != nil {
		return fail(conductor.WrapError(conductor.CategoryInternal, "FILE_STAT", err))
	}
	if info.Mode()&os.ModeSymlink != 0 && !t.cfg.AllowSymlinks {
		return fail(conductor.Errorf(conductor.CategoryPermission, "FILE_SYMLINK_DENIED",
			"symlinks are not permitted: %s", a.Path))
	}
	if !t.cfg.AllowSymlinks {
		if serr := t.checkResolved(full, a.Path); serr != nil {
			return fail(serr)
		}
	}
	if info.Mode().IsDir() {
		return fail(conductor.Errorf(conductor.CategoryValidation, "FILE_IS_DIR", "path is a directory: %s", a.Path))
	}

	if strings.EqualFold(filepath.Ext(full), ".pdf") {
		return t.readPDF(full, a.Path)
	}

	if info.Size() > t.cfg.MaxSize {
		return fail(conductor.Errorf(conductor.CategorySizeExceeded, "FILE_TOO_LARGE",
			"file %s is %d bytes, limit %d", a.Path, info.Size(), t.cfg.MaxSize))
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return fail(conductor.WrapError(conductor.CategoryInternal, "FILE_READ", err))
	}
	return conductor.ToolResult{OK: true, Output: string(data)}
}

// readPDF extracts plain text; the size ceiling applies to the extracted
// text, not the raw bytes.
func (t *Tool) readPDF(full, display string) conductor.ToolResult {
	f, reader, err := pdf.Open(full)
	if err != nil {
		return fail(conductor.WrapError(conductor.CategoryValidation, "FILE_PDF_PARSE", err))
	}
	defer f.Close()

	textReader, err := reader.GetPlainText()
	if err != nil {
		return fail(conductor.WrapError(conductor.CategoryValidation, "FILE_PDF_EXTRACT", err))
	}
	text, err := io.ReadAll(io.LimitReader(textReader, t.cfg.MaxSize+1))
	if err != nil {
		return fail(conductor.WrapError(conductor.CategoryInternal, "FILE_PDF_EXTRACT", err))
	}
	if int64(len(text)) > t.cfg.MaxSize {
		return fail(conductor.Errorf(conductor.CategorySizeExceeded, "FILE_TOO_LARGE",
			"extracted text of %s exceeds %d bytes", display, t.cfg.MaxSize))
	}
	return conductor.ToolResult{OK: true, Output: string(text)}
}

// validatePath enforces the path rules and returns the absolute location
// under the base directory.
func (t *Tool) validatePath(p string) (string, *conductor.StructuredError) {
	if p == "" {
		return "", conductor.NewError(conductor.CategoryValidation, "FILE_BAD_PATH", "path is required")
	}
	if len(p) > t.cfg.MaxPathLength {
		return "", conductor.Errorf(conductor.CategoryValidation, "FILE_PATH_TOO_LONG",
			"path length %d exceeds %d", len(p), t.cfg.MaxPathLength)
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return "", conductor.NewError(conductor.CategoryValidation, "FILE_BAD_PATH",
				"path contains control characters")
		}
	}
	if filepath.IsAbs(p) {
		return "", conductor.Errorf(conductor.CategoryValidation, "FILE_BAD_PATH",
			"absolute paths are not permitted: %s", p)
	}
	// Check traversal on the raw path so "a/../../etc" is rejected even
	// when it would clean to something inside the base.
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return "", conductor.Errorf(conductor.CategoryValidation, "FILE_BAD_PATH",
				"path traversal is not permitted: %s", p)
		}
	}

	full := filepath.Join(t.cfg.BaseDir, filepath.Clean(p))
	return full, nil
}

// checkResolved rejects paths whose resolved location differs from their
// nominal one. The Lstat check above only sees the final component; a
// symlinked directory on the way to the file is caught here.
func (t *Tool) checkResolved(full, display string) *conductor.StructuredError {
	base, err := filepath.EvalSymlinks(t.cfg.BaseDir)
	if err != nil {
		return conductor.WrapError(conductor.CategoryInternal, "FILE_STAT", err)
	}
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return conductor.WrapError(conductor.CategoryInternal, "FILE_STAT", err)
	}
	rel, err := filepath.Rel(t.cfg.BaseDir, full)
	if err != nil {
		return conductor.WrapError(conductor.CategoryInternal, "FILE_STAT", err)
	}
	if resolved != filepath.Join(base, rel) {
		return conductor.Errorf(conductor.CategoryPermission, "FILE_SYMLINK_DENIED",
			"symlinks are not permitted: %s", display)
	}
	return nil
}

func fail(err *conductor.StructuredError) conductor.ToolResult {
	return conductor.ToolResult{OK: false, Error: err}
}
