// Package file provides the example filesystem skill catalog: create,
// delete, move, list, and read operations rooted under a single directory,
// using glob matching the way C360Studio-semspec resolves path patterns.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"deskagent/internal/agent/skills"
	"deskagent/internal/agent/tools"
)

// Catalog roots every file skill at a fixed root directory; all paths an
// invocation supplies are resolved relative to Root and may not escape it.
type Catalog struct {
	Root string
}

// NewCatalog builds a Catalog rooted at root. Root is created if absent.
func NewCatalog(root string) (*Catalog, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("file: resolving root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("file: creating root: %w", err)
	}
	return &Catalog{Root: abs}, nil
}

// Register adds every skill in the catalog to reg.
func (c *Catalog) Register(reg *skills.Registry) error {
	registrations := []struct {
		spec    *tools.Spec
		invoker skills.Invoker
	}{
		{createFolderSpec(), skills.InvokerFunc(c.createFolder)},
		{deleteFilesSpec(), skills.InvokerFunc(c.deleteFiles)},
		{moveFileSpec(), skills.InvokerFunc(c.moveFile)},
		{listDesktopSpec(), skills.InvokerFunc(c.listDesktop)},
		{readFilesSpec(), skills.InvokerFunc(c.readFiles)},
	}
	for _, r := range registrations {
		if err := reg.Register(r.spec, r.invoker); err != nil {
			return err
		}
	}
	return nil
}

// resolve joins a user-supplied relative path to Root, rejecting any path
// that would escape it via "..".
func (c *Catalog) resolve(rel string) (string, error) {
	clean := filepath.Clean(string(filepath.Separator) + rel)
	full := filepath.Join(c.Root, clean)
	if full != c.Root && !strings.HasPrefix(full, c.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return full, nil
}

func createFolderSpec() *tools.Spec {
	return &tools.Spec{
		Name:        "create_folder",
		Description: "Create a folder (and any missing parents) under the managed root.",
		Required:    []string{"path"},
		Permission:  tools.Write,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
	}
}

func (c *Catalog) createFolder(ctx context.Context, args map[string]any) (skills.Result, error) {
	rel, _ := args["path"].(string)
	full, err := c.resolve(rel)
	if err != nil {
		return skills.Err(err.Error()), nil
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return skills.Err(fmt.Sprintf("create folder: %v", err)), nil
	}
	return skills.Ok(fmt.Sprintf("created %s", rel), map[string]any{"path": rel}), nil
}

func deleteFilesSpec() *tools.Spec {
	return &tools.Spec{
		Name:        "delete_files",
		Description: "Delete one or more files or folders under the managed root.",
		Required:    []string{"paths_list"},
		Permission:  tools.Write,
		Normalize:   skills.PathsAliases,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"paths_list": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"paths_list"},
		},
	}
}

func (c *Catalog) deleteFiles(ctx context.Context, args map[string]any) (skills.Result, error) {
	paths, ok := args["paths_list"].([]string)
	if !ok {
		return skills.Err("paths_list must be a list of strings"), nil
	}
	var deleted []string
	var failed []string
	for _, rel := range paths {
		full, err := c.resolve(rel)
		if err != nil {
			failed = append(failed, rel)
			continue
		}
		if err := os.RemoveAll(full); err != nil {
			failed = append(failed, rel)
			continue
		}
		deleted = append(deleted, rel)
	}
	if len(failed) > 0 {
		return skills.Err(fmt.Sprintf("failed to delete: %s", strings.Join(failed, ", "))), nil
	}
	return skills.Ok(fmt.Sprintf("deleted %d item(s)", len(deleted)), map[string]any{"deleted": deleted}), nil
}

func moveFileSpec() *tools.Spec {
	return &tools.Spec{
		Name:        "move_file",
		Description: "Move or rename a file or folder under the managed root.",
		Required:    []string{"source", "destination"},
		Permission:  tools.Write,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"source":      map[string]any{"type": "string"},
				"destination": map[string]any{"type": "string"},
			},
			"required": []string{"source", "destination"},
		},
	}
}

func (c *Catalog) moveFile(ctx context.Context, args map[string]any) (skills.Result, error) {
	src, _ := args["source"].(string)
	dst, _ := args["destination"].(string)
	srcFull, err := c.resolve(src)
	if err != nil {
		return skills.Err(err.Error()), nil
	}
	dstFull, err := c.resolve(dst)
	if err != nil {
		return skills.Err(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		return skills.Err(fmt.Sprintf("move file: %v", err)), nil
	}
	if err := os.Rename(srcFull, dstFull); err != nil {
		return skills.Err(fmt.Sprintf("move file: %v", err)), nil
	}
	return skills.Ok(fmt.Sprintf("moved %s to %s", src, dst), map[string]any{"source": src, "destination": dst}), nil
}

func listDesktopSpec() *tools.Spec {
	return &tools.Spec{
		Name:        "list_desktop",
		Description: "List files and folders under the managed root matching a glob pattern.",
		Required:    []string{"pattern"},
		Permission:  tools.Read,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"pattern": map[string]any{"type": "string"}},
			"required":   []string{"pattern"},
		},
	}
}

func (c *Catalog) listDesktop(ctx context.Context, args map[string]any) (skills.Result, error) {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		pattern = "*"
	}
	full := filepath.Join(c.Root, pattern)
	matches, err := doublestar.FilepathGlob(full)
	if err != nil {
		return skills.Err(fmt.Sprintf("list: %v", err)), nil
	}
	rels := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(c.Root, m)
		if err != nil {
			continue
		}
		rels = append(rels, rel)
	}
	return skills.Ok(fmt.Sprintf("found %d entr(y/ies)", len(rels)), map[string]any{"entries": rels}), nil
}

func readFilesSpec() *tools.Spec {
	return &tools.Spec{
		Name:        "read_files",
		Description: "Read the contents of one or more files under the managed root.",
		Required:    []string{"paths_list"},
		Permission:  tools.Read,
		Normalize:   skills.PathsAliases,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"paths_list": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"paths_list"},
		},
	}
}

func (c *Catalog) readFiles(ctx context.Context, args map[string]any) (skills.Result, error) {
	paths, ok := args["paths_list"].([]string)
	if !ok {
		return skills.Err("paths_list must be a list of strings"), nil
	}
	contents := make(map[string]string, len(paths))
	var failed []string
	for _, rel := range paths {
		full, err := c.resolve(rel)
		if err != nil {
			failed = append(failed, rel)
			continue
		}
		raw, err := os.ReadFile(full)
		if err != nil {
			failed = append(failed, rel)
			continue
		}
		contents[rel] = string(raw)
	}
	if len(failed) > 0 {
		return skills.Err(fmt.Sprintf("failed to read: %s", strings.Join(failed, ", "))), nil
	}
	return skills.Ok(fmt.Sprintf("read %d file(s)", len(contents)), map[string]any{"contents": contents}), nil
}
