package command

import (
	"context"
	"fmt"
	"time"
)

// ExrMergeHandler merges several EXR frame passes into one deep image
// via an external helper binary (not Blender itself), configured once
// at startup from command.exrmergecmd.
type ExrMergeHandler struct {
	MergeCmd        string
	KillGracePeriod time.Duration
}

// NewExrMergeHandler builds a handler that shells out to mergeCmd.
func NewExrMergeHandler(mergeCmd string, killGrace time.Duration) *ExrMergeHandler {
	return &ExrMergeHandler{MergeCmd: mergeCmd, KillGracePeriod: killGrace}
}

func (h *ExrMergeHandler) Validate(settings map[string]interface{}) error {
	if h.MergeCmd == "" {
		return fmt.Errorf("exr-merge: no merge helper binary configured")
	}
	if _, err := settingString(settings, "output"); err != nil {
		return err
	}
	inputs, ok := settings["inputs"]
	if !ok {
		return fmt.Errorf("missing required setting %q", "inputs")
	}
	if _, ok := inputs.([]interface{}); !ok {
		return fmt.Errorf("setting %q must be a list", "inputs")
	}
	return nil
}

func (h *ExrMergeHandler) Execute(ctx context.Context, settings map[string]interface{}, report Reporter) (Status, error) {
	output, _ := settingString(settings, "output")
	rawInputs := settings["inputs"].([]interface{})

	argv := shlexSplit(h.MergeCmd)
	argv = append(argv, "-o", output)
	for _, in := range rawInputs {
		s, ok := in.(string)
		if !ok {
			return StatusFailed, fmt.Errorf("exr-merge: non-string entry in inputs")
		}
		argv = append(argv, s)
	}

	result := runSubprocess(ctx, argv, h.KillGracePeriod, func(line string) {
		report.ReportLog(line)
	})

	switch result.status {
	case StatusCancelled:
		return StatusCancelled, result.err
	case StatusCompleted:
		report.ReportProgress(100)
		return StatusCompleted, nil
	default:
		return StatusFailed, result.err
	}
}
