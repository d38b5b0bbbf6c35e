// Package scratch cleans the worker's task scratch directory at
// startup, removing everything left over from previous runs except the
// one job the caller wants to keep (typically because a task for that
// job is still in flight across a restart).
package scratch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/flamenco-io/flamenco-worker/internal/logger"
)

// Sweep removes every file and directory directly or transitively under
// root except:
//   - a top-level directory named exactly keepJobID
//   - a top-level file named "taskfile_<keepJobID>.zip"
//
// If root does not exist, Sweep is a no-op. Pass an empty keepJobID to
// clear the scratch directory entirely.
func Sweep(root, keepJobID string) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}

	log := logger.WithComponent("scratch")
	log.Info().Str("root", root).Str("keep_job", keepJobID).Msg("sweeping scratch directory")

	return sweepChildren(root, keepJobID)
}

func sweepChildren(dir, keepJobID string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scratch: reading %s: %w", dir, err)
	}

	keepFile := ""
	if keepJobID != "" {
		keepFile = fmt.Sprintf("taskfile_%s.zip", keepJobID)
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())

		if e.IsDir() {
			if keepJobID != "" && e.Name() == keepJobID {
				continue
			}
			if err := sweepChildren(path, ""); err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("scratch: removing directory %s: %w", path, err)
			}
			continue
		}

		if e.Name() == keepFile {
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("scratch: removing file %s: %w", path, err)
		}
	}

	return nil
}
