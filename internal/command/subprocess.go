package command

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/flamenco-io/flamenco-worker/internal/logger"
)

// DefaultKillGracePeriod is how long a subprocess gets to exit after
// SIGTERM before the runner escalates to SIGKILL.
const DefaultKillGracePeriod = 5 * time.Second

// HardFailureExitCode is the Python-script-exit-code convention: when the
// wrapped renderer's embedded Python script itself fails (as opposed to
// the renderer crashing), it calls sys.exit with this code so the runner
// can tell the two apart.
const HardFailureExitCode = 47

// subprocessResult is what runSubprocess reports back to its caller once
// the child has exited or been killed.
type subprocessResult struct {
	status   Status
	exitCode int
	err      error
}

// runSubprocess spawns argv with stdin closed and stdout/stderr merged
// into one stream, read line by line. Each line is handed to onLine as
// it arrives. On ctx cancellation the child is sent SIGTERM, given
// killGrace to exit, then SIGKILL'd. The merged reader is then drained
// to EOF so no output is lost; after a cancellation the drain waits at
// most killGrace, since a grandchild may still hold the pipe open.
func runSubprocess(ctx context.Context, argv []string, killGrace time.Duration, onLine func(string)) subprocessResult {
	if killGrace <= 0 {
		killGrace = DefaultKillGracePeriod
	}
	if len(argv) == 0 {
		return subprocessResult{status: StatusFailed, err: fmt.Errorf("subprocess: empty argv")}
	}

	log := logger.WithComponent("command")

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = nil // inherited /dev/null equivalent: no input pipe attached

	pr, pw, err := os.Pipe()
	if err != nil {
		return subprocessResult{status: StatusFailed, err: fmt.Errorf("subprocess: creating pipe: %w", err)}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return subprocessResult{status: StatusFailed, err: fmt.Errorf("subprocess: starting %s: %w", argv[0], err)}
	}
	pw.Close() // the child owns the write end now

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			onLine(scanner.Text())
		}
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	var cancelled bool

	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		cancelled = true
		log.Debug().Strs("argv", argv).Msg("sending SIGTERM to command subprocess")
		_ = cmd.Process.Signal(syscall.SIGTERM)

		select {
		case waitErr = <-waitDone:
		case <-time.After(killGrace):
			log.Warn().Strs("argv", argv).Msg("subprocess did not exit within grace period, sending SIGKILL")
			_ = cmd.Process.Kill()
			waitErr = <-waitDone
		}
	}

	if cancelled {
		select {
		case <-readDone:
		case <-time.After(killGrace):
		}
	} else {
		<-readDone
	}
	pr.Close()
	<-readDone

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	if cancelled {
		return subprocessResult{status: StatusCancelled, exitCode: exitCode, err: ctx.Err()}
	}
	if waitErr != nil {
		return subprocessResult{status: StatusFailed, exitCode: exitCode, err: waitErr}
	}
	if exitCode != 0 {
		return subprocessResult{status: StatusFailed, exitCode: exitCode, err: fmt.Errorf("subprocess exited with code %d", exitCode)}
	}
	return subprocessResult{status: StatusCompleted, exitCode: exitCode}
}
