package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

func Init(level string, pretty bool) {
	// Parse log level
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)

	var output io.Writer = os.Stdout
	if pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	log = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

func Get() *zerolog.Logger {
	return &log
}

func WithComponent(component string) *zerolog.Logger {
	l := log.With().Str("component", component).Logger()
	return &l
}

func WithWorker(workerID string) *zerolog.Logger {
	l := log.With().Str("worker_id", workerID).Logger()
	return &l
}

func WithTask(taskID string) *zerolog.Logger {
	l := log.With().Str("task_id", taskID).Logger()
	return &l
}

func WithCommand(taskID string, commandIdx int, commandName string) *zerolog.Logger {
	l := log.With().
		Str("task_id", taskID).
		Int("command_idx", commandIdx).
		Str("command", commandName).
		Logger()
	return &l
}

// Convenience methods
func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}

func Fatal() *zerolog.Event {
	return log.Fatal()
}
