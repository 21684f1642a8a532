package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RegisterBuiltins adds the stock tools agent sessions may execute locally.
func RegisterBuiltins(r *Registry) error {
	builtins := []Tool{
		currentTimeTool(),
		listDirectoryTool(),
		readFilePreviewTool(),
	}
	for _, tool := range builtins {
		if err := r.Register(tool); err != nil {
			return fmt.Errorf("registering builtin %s: %w", tool.Name, err)
		}
	}
	return nil
}

func currentTimeTool() Tool {
	return Tool{
		Name:        "current_time",
		Description: "Get the current date and time in ISO format",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	}
}

func listDirectoryTool() Tool {
	return Tool{
		Name:        "list_directory",
		Description: "List contents of a directory with file metadata",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"path"},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			path, _ := input["path"].(string)
			target, err := filepath.Abs(path)
			if err != nil {
				return errorPayload(fmt.Sprintf("invalid path: %s", path)), nil
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return errorPayload(fmt.Sprintf("cannot read directory: %s", path)), nil
			}

			type entry struct {
				Name     string `json:"name"`
				Type     string `json:"type"`
				Size     *int64 `json:"size"`
				Modified string `json:"modified"`
			}
			out := make([]entry, 0, len(entries))
			for _, e := range entries {
				info, err := e.Info()
				if err != nil {
					continue
				}
				kind := "file"
				var size *int64
				if e.IsDir() {
					kind = "directory"
				} else {
					n := info.Size()
					size = &n
				}
				out = append(out, entry{
					Name:     e.Name(),
					Type:     kind,
					Size:     size,
					Modified: info.ModTime().Format(time.RFC3339),
				})
			}
			sort.Slice(out, func(i, j int) bool {
				if out[i].Type != out[j].Type {
					return out[i].Type == "directory"
				}
				return out[i].Name < out[j].Name
			})

			data, err := json.MarshalIndent(map[string]interface{}{
				"path":    target,
				"entries": out,
			}, "", "  ")
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}

func readFilePreviewTool() Tool {
	return Tool{
		Name:        "read_file_preview",
		Description: "Read a preview of a file's contents (first N lines)",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":      map[string]interface{}{"type": "string"},
				"max_lines": map[string]interface{}{"type": "integer", "minimum": 1},
			},
			"required": []interface{}{"path"},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			path, _ := input["path"].(string)
			maxLines := 50
			if v, ok := input["max_lines"].(float64); ok && v > 0 {
				maxLines = int(v)
			}

			f, err := os.Open(path)
			if err != nil {
				return errorPayload(fmt.Sprintf("cannot open file: %s", path)), nil
			}
			defer f.Close()

			var lines []string
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() && len(lines) < maxLines {
				lines = append(lines, scanner.Text())
			}
			if err := scanner.Err(); err != nil {
				return errorPayload(fmt.Sprintf("cannot read file: %s", path)), nil
			}

			return strings.Join(lines, "\n"), nil
		},
	}
}
