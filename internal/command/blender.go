package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// settingInt extracts a required integer setting, accepting either a Go
// int (constructed in-process) or a float64 (decoded from JSON).
func settingInt(settings map[string]interface{}, key string) (int, error) {
	v, ok := settings[key]
	if !ok {
		return 0, fmt.Errorf("missing required setting %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("setting %q must be a number, got %T", key, v)
	}
}

func settingIntOr(settings map[string]interface{}, key string, fallback int) int {
	if v, err := settingInt(settings, key); err == nil {
		return v
	}
	return fallback
}

func settingStringOr(settings map[string]interface{}, key, fallback string) string {
	if v, err := settingString(settings, key); err == nil {
		return v
	}
	return fallback
}

func commonBlenderArgs(blenderCmd, blendfile string) []string {
	argv := shlexSplit(blenderCmd)
	argv = append(argv, "--enable-autoexec", "-noaudio", "--background", blendfile)
	return argv
}

// BlenderRenderAudioHandler mixes down the scene's audio track to a
// standalone file by driving Blender through an embedded Python script,
// rather than through Blender's own render-output machinery (which only
// emits video/image frames).
type BlenderRenderAudioHandler struct {
	KillGracePeriod   time.Duration
	PythonExitCode    int
	DefaultBlenderCmd string
}

// NewBlenderRenderAudioHandler builds a handler using the worker's
// configured kill-grace-period, python-exit-code and fallback blender
// executable (used when a task's command omits blender_cmd).
func NewBlenderRenderAudioHandler(killGrace time.Duration, pythonExitCode int, defaultBlenderCmd string) *BlenderRenderAudioHandler {
	return &BlenderRenderAudioHandler{KillGracePeriod: killGrace, PythonExitCode: pythonExitCode, DefaultBlenderCmd: defaultBlenderCmd}
}

func (h *BlenderRenderAudioHandler) Validate(settings map[string]interface{}) error {
	if _, err := settingString(settings, "blender_cmd"); err != nil && h.DefaultBlenderCmd == "" {
		return err
	}
	for _, key := range []string{"filepath", "render_output"} {
		if _, err := settingString(settings, key); err != nil {
			return err
		}
	}
	for _, key := range []string{"frame_start", "frame_end"} {
		if _, err := settingInt(settings, key); err != nil {
			return err
		}
	}
	return nil
}

func (h *BlenderRenderAudioHandler) Execute(ctx context.Context, settings map[string]interface{}, report Reporter) (Status, error) {
	pythonExitCode := h.PythonExitCode
	if pythonExitCode == 0 {
		pythonExitCode = HardFailureExitCode
	}

	argv, err := buildBlenderRenderAudioArgv(settings, pythonExitCode, h.DefaultBlenderCmd)
	if err != nil {
		return StatusFailed, err
	}

	frameStart := settingIntOr(settings, "frame_start", 0)
	frameEnd := settingIntOr(settings, "frame_end", 0)
	return runBlender(ctx, argv, h.KillGracePeriod, pythonExitCode, frameStart, frameEnd, report)
}

// buildBlenderRenderAudioArgv composes the argv for a render-audio
// command: the configured blender_cmd split into words, the standard
// headless flags, the blend file, then an embedded Python script that
// sets the frame range, mixes down the audio track and quits.
func buildBlenderRenderAudioArgv(settings map[string]interface{}, pythonExitCode int, defaultBlenderCmd string) ([]string, error) {
	blenderCmd, err := settingString(settings, "blender_cmd")
	if err != nil {
		if defaultBlenderCmd == "" {
			return nil, err
		}
		blenderCmd = defaultBlenderCmd
	}
	filepath_, err := settingString(settings, "filepath")
	if err != nil {
		return nil, err
	}
	renderOutput, err := settingString(settings, "render_output")
	if err != nil {
		return nil, err
	}
	frameStart, err := settingInt(settings, "frame_start")
	if err != nil {
		return nil, err
	}
	frameEnd, err := settingInt(settings, "frame_end")
	if err != nil {
		return nil, err
	}
	codec := settingStringOr(settings, "codec", "FLAC")
	container := settingStringOr(settings, "container", "FLAC")
	accuracy := settingIntOr(settings, "accuracy", 128)

	script := strings.Join([]string{
		"import bpy",
		fmt.Sprintf("bpy.context.scene.frame_start = %d", frameStart),
		fmt.Sprintf("bpy.context.scene.frame_end = %d", frameEnd),
		fmt.Sprintf("bpy.ops.sound.mixdown(filepath='%s', codec='%s', container='%s', accuracy=%d)",
			renderOutput, codec, container, accuracy),
		"bpy.ops.wm.quit_blender()",
	}, "\n")

	argv := commonBlenderArgs(blenderCmd, filepath_)
	argv = append(argv,
		"--python-exit-code", strconv.Itoa(pythonExitCode),
		"--python-expr", script,
	)
	return argv, nil
}

// BlenderRenderHandler renders one or more frames of a scene to image or
// video output using Blender's built-in render-output arguments.
type BlenderRenderHandler struct {
	KillGracePeriod   time.Duration
	PythonExitCode    int
	DefaultBlenderCmd string
}

// NewBlenderRenderHandler builds a handler using the worker's configured
// kill-grace-period, python-exit-code and fallback blender executable
// (used when a task's command omits blender_cmd).
func NewBlenderRenderHandler(killGrace time.Duration, pythonExitCode int, defaultBlenderCmd string) *BlenderRenderHandler {
	return &BlenderRenderHandler{KillGracePeriod: killGrace, PythonExitCode: pythonExitCode, DefaultBlenderCmd: defaultBlenderCmd}
}

func (h *BlenderRenderHandler) Validate(settings map[string]interface{}) error {
	if _, err := settingString(settings, "blender_cmd"); err != nil && h.DefaultBlenderCmd == "" {
		return err
	}
	for _, key := range []string{"filepath", "render_output", "format", "frames"} {
		if _, err := settingString(settings, key); err != nil {
			return err
		}
	}
	return nil
}

func (h *BlenderRenderHandler) Execute(ctx context.Context, settings map[string]interface{}, report Reporter) (Status, error) {
	pythonExitCode := h.PythonExitCode
	if pythonExitCode == 0 {
		pythonExitCode = HardFailureExitCode
	}

	argv, err := buildBlenderRenderArgv(settings, h.DefaultBlenderCmd)
	if err != nil {
		return StatusFailed, err
	}

	// The frames setting is a free-form range expression; the parser
	// only derives percentages from an explicit start/end pair, so
	// per-frame progress is skipped for this command.
	return runBlender(ctx, argv, h.KillGracePeriod, pythonExitCode, 0, 0, report)
}

// buildBlenderRenderArgv composes the argv for a regular frame-render
// command using Blender's own --render-* CLI flags.
func buildBlenderRenderArgv(settings map[string]interface{}, defaultBlenderCmd string) ([]string, error) {
	blenderCmd, err := settingString(settings, "blender_cmd")
	if err != nil {
		if defaultBlenderCmd == "" {
			return nil, err
		}
		blenderCmd = defaultBlenderCmd
	}
	filepath_, err := settingString(settings, "filepath")
	if err != nil {
		return nil, err
	}
	renderOutput, err := settingString(settings, "render_output")
	if err != nil {
		return nil, err
	}
	format, err := settingString(settings, "format")
	if err != nil {
		return nil, err
	}
	frames, err := settingString(settings, "frames")
	if err != nil {
		return nil, err
	}

	argv := commonBlenderArgs(blenderCmd, filepath_)
	argv = append(argv,
		"--render-format", format,
		"--render-output", renderOutput,
		"--render-frame", frames,
	)
	return argv, nil
}

// runBlender drives a composed Blender argv through the shared
// subprocess runner, forwarding each merged stdout/stderr line to
// report and classifying the exit code per the python-exit-code
// hard-failure convention. frameStart/frameEnd, when known, let the
// line parser turn Fra: lines into progress percentages; pass 0,0 when
// the range isn't available.
func runBlender(ctx context.Context, argv []string, killGrace time.Duration, pythonExitCode, frameStart, frameEnd int, report Reporter) (Status, error) {
	parser := newBlenderLineParser(report, frameStart, frameEnd)

	result := runSubprocess(ctx, argv, killGrace, func(line string) {
		report.ReportLog(line)
		parser.feed(line)
	})

	switch result.status {
	case StatusCancelled:
		return StatusCancelled, result.err
	case StatusCompleted:
		return StatusCompleted, nil
	default:
		if result.exitCode == pythonExitCode {
			return StatusFailed, fmt.Errorf("blender script raised an exception (exit code %d)", pythonExitCode)
		}
		if parser.lastError != "" {
			return StatusFailed, fmt.Errorf("blender failed: %s", parser.lastError)
		}
		return StatusFailed, result.err
	}
}
