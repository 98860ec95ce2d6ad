package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// resolvePath anchors a tool path inside the context working directory and
// rejects escapes via "..".
func resolvePath(tc *ToolContext, path string) (string, error) {
	if path == "" {
		path = "."
	}
	base := tc.WorkingDir
	if base == "" {
		var err error
		base, err = os.Getwd()
		if err != nil {
			return "", err
		}
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(base, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(base, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the working directory", path)
	}
	return abs, nil
}

// ---------------------------------------------------------------------------
// file_read
// ---------------------------------------------------------------------------

type fileReadArgs struct {
	Path string `json:"path" jsonschema:"required,description=File path to read"`
}

type FileReadTool struct{}

func (t *FileReadTool) Name() string        { return "file_read" }
func (t *FileReadTool) Description() string { return "Read the contents of a file." }
func (t *FileReadTool) Schema() json.RawMessage {
	return SchemaFor(&fileReadArgs{})
}
func (t *FileReadTool) Annotations() Annotations {
	return Annotations{ReadOnlyHint: true}
}

const maxFileReadBytes = 1 << 20

func (t *FileReadTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*Result, error) {
	var a fileReadArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	path, err := resolvePath(tc, a.Path)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("cannot read %s: %v", a.Path, err)), nil
	}
	if len(data) > maxFileReadBytes {
		data = data[:maxFileReadBytes]
	}
	return TextResult(string(data)), nil
}

// ---------------------------------------------------------------------------
// file_list
// ---------------------------------------------------------------------------

type fileListArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list (defaults to working directory)"`
}

type FileListTool struct{}

func (t *FileListTool) Name() string        { return "file_list" }
func (t *FileListTool) Description() string { return "List the entries of a directory." }
func (t *FileListTool) Schema() json.RawMessage {
	return SchemaFor(&fileListArgs{})
}
func (t *FileListTool) Annotations() Annotations {
	return Annotations{ReadOnlyHint: true}
}

func (t *FileListTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*Result, error) {
	var a fileListArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	path, err := resolvePath(tc, a.Path)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("cannot list %s: %v", a.Path, err)), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return TextResult(strings.Join(names, "\n")), nil
}

// ---------------------------------------------------------------------------
// file_write
// ---------------------------------------------------------------------------

type fileWriteArgs struct {
	Path    string `json:"path" jsonschema:"required,description=File path to write"`
	Content string `json:"content" jsonschema:"required,description=Content to write"`
}

type FileWriteTool struct{}

func (t *FileWriteTool) Name() string        { return "file_write" }
func (t *FileWriteTool) Description() string { return "Write content to a file, creating it if needed." }
func (t *FileWriteTool) Schema() json.RawMessage {
	return SchemaFor(&fileWriteArgs{})
}
func (t *FileWriteTool) Annotations() Annotations {
	return Annotations{} // mutating, requires approval
}

func (t *FileWriteTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*Result, error) {
	var a fileWriteArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	path, err := resolvePath(tc, a.Path)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("cannot create directory for %s: %v", a.Path, err)), nil
	}
	if err := os.WriteFile(path, []byte(a.Content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("cannot write %s: %v", a.Path, err)), nil
	}
	return TextResult(fmt.Sprintf("Wrote %d bytes to %s", len(a.Content), a.Path)), nil
}
