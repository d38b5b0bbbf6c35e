package command

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// settingString extracts a required string setting.
func settingString(settings map[string]interface{}, key string) (string, error) {
	v, ok := settings[key]
	if !ok {
		return "", fmt.Errorf("missing required setting %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("setting %q must be a string, got %T", key, v)
	}
	return s, nil
}

// FileCopyHandler copies one file from src to dest, creating dest's
// parent directory if needed. Used to stage rendered output into its
// final published location.
type FileCopyHandler struct{}

func (FileCopyHandler) Validate(settings map[string]interface{}) error {
	if _, err := settingString(settings, "src"); err != nil {
		return err
	}
	if _, err := settingString(settings, "dest"); err != nil {
		return err
	}
	return nil
}

func (FileCopyHandler) Execute(ctx context.Context, settings map[string]interface{}, report Reporter) (Status, error) {
	src, _ := settingString(settings, "src")
	dest, _ := settingString(settings, "dest")

	if err := ctx.Err(); err != nil {
		return StatusCancelled, err
	}

	in, err := os.Open(src)
	if err != nil {
		return StatusFailed, fmt.Errorf("file-copy: opening source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return StatusFailed, fmt.Errorf("file-copy: creating destination directory: %w", err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return StatusFailed, fmt.Errorf("file-copy: creating destination: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return StatusFailed, fmt.Errorf("file-copy: copying: %w", err)
	}

	report.ReportLog(fmt.Sprintf("copied %s to %s", src, dest))
	report.ReportProgress(100)
	return StatusCompleted, nil
}

// MoveOutOfWayHandler renames an existing path out of the way by
// appending a numeric suffix, so a subsequent command can write to the
// original path without clobbering prior output.
type MoveOutOfWayHandler struct{}

func (MoveOutOfWayHandler) Validate(settings map[string]interface{}) error {
	_, err := settingString(settings, "path")
	return err
}

func (MoveOutOfWayHandler) Execute(ctx context.Context, settings map[string]interface{}, report Reporter) (Status, error) {
	path, _ := settingString(settings, "path")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		report.ReportLog(fmt.Sprintf("%s does not exist, nothing to move", path))
		report.ReportProgress(100)
		return StatusCompleted, nil
	}

	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%03d", path, i)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			if err := os.Rename(path, candidate); err != nil {
				return StatusFailed, fmt.Errorf("move-out-of-way: %w", err)
			}
			report.ReportLog(fmt.Sprintf("moved %s to %s", path, candidate))
			report.ReportProgress(100)
			return StatusCompleted, nil
		}
	}
}

// CreateDirectoryHandler ensures a directory (and its parents) exist.
type CreateDirectoryHandler struct{}

func (CreateDirectoryHandler) Validate(settings map[string]interface{}) error {
	_, err := settingString(settings, "path")
	return err
}

func (CreateDirectoryHandler) Execute(ctx context.Context, settings map[string]interface{}, report Reporter) (Status, error) {
	path, _ := settingString(settings, "path")
	if err := os.MkdirAll(path, 0755); err != nil {
		return StatusFailed, fmt.Errorf("create-directory: %w", err)
	}
	report.ReportLog(fmt.Sprintf("created directory %s", path))
	report.ReportProgress(100)
	return StatusCompleted, nil
}

// JSONWritesHandler writes an arbitrary JSON document to a file, used by
// jobs that need to drop a small sidecar manifest alongside render
// output.
type JSONWritesHandler struct{}

func (JSONWritesHandler) Validate(settings map[string]interface{}) error {
	if _, err := settingString(settings, "path"); err != nil {
		return err
	}
	if _, ok := settings["data"]; !ok {
		return fmt.Errorf("missing required setting %q", "data")
	}
	return nil
}

func (JSONWritesHandler) Execute(ctx context.Context, settings map[string]interface{}, report Reporter) (Status, error) {
	path, _ := settingString(settings, "path")
	data := settings["data"]

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return StatusFailed, fmt.Errorf("json-writes: marshaling: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return StatusFailed, fmt.Errorf("json-writes: creating directory: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return StatusFailed, fmt.Errorf("json-writes: %w", err)
	}

	report.ReportLog(fmt.Sprintf("wrote %s", path))
	report.ReportProgress(100)
	return StatusCompleted, nil
}
