package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of startup configuration for the worker. It is
// loaded once at process start and passed explicitly into constructors;
// nothing in this package is read again after Load returns.
type Config struct {
	Manager  ManagerConfig
	Worker   WorkerConfig
	Queue    QueueConfig
	Command  CommandConfig
	Status   StatusConfig
	Metrics  MetricsConfig
	LogLevel string
}

// ManagerConfig describes how to reach the Flamenco Manager.
type ManagerConfig struct {
	URL            string
	RequestTimeout time.Duration
	FetchTimeout   time.Duration // long-poll timeout on POST /task
}

// WorkerConfig controls worker identity and lifecycle timing.
type WorkerConfig struct {
	IdentityFile     string
	Platform         string
	Nickname         string
	TaskTypes        []string
	ScratchDir       string
	FetchBackoffMin  time.Duration
	FetchBackoffMax  time.Duration
	SleepCheckPeriod time.Duration
	ShutdownTimeout  time.Duration
	MayIRunInterval  time.Duration
}

// QueueConfig controls the durable upstream update queue.
type QueueConfig struct {
	DBPath       string
	FlushCap     int
	BackoffTime  time.Duration
	LogBatchWait time.Duration
}

// CommandConfig carries defaults shared by command handlers.
type CommandConfig struct {
	BlenderCmd      string
	ExrMergeCmd     string
	KillGracePeriod time.Duration
	PythonExitCode  int
}

// StatusConfig controls the local read-only status/observability surface.
type StatusConfig struct {
	Enabled bool
	Addr    string
}

// MetricsConfig controls prometheus exposition, served on the status
// server.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

func Load() (*Config, error) {
	viper.SetConfigName("flamenco-worker")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.flamenco-worker")
	viper.AddConfigPath("/etc/flamenco-worker")

	setDefaults()

	viper.SetEnvPrefix("FLAMENCO_WORKER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	// Manager defaults
	viper.SetDefault("manager.url", "http://localhost:8080")
	viper.SetDefault("manager.requesttimeout", 30*time.Second)
	viper.SetDefault("manager.fetchtimeout", 90*time.Second)

	// Worker defaults
	viper.SetDefault("worker.identityfile", "./flamenco-worker-identity.json")
	viper.SetDefault("worker.platform", "linux")
	viper.SetDefault("worker.nickname", "")
	viper.SetDefault("worker.tasktypes", []string{"blender-render", "blender-render-audio", "file-management"})
	viper.SetDefault("worker.scratchdir", "")
	viper.SetDefault("worker.fetchbackoffmin", 1*time.Second)
	viper.SetDefault("worker.fetchbackoffmax", 30*time.Second)
	viper.SetDefault("worker.sleepcheckperiod", 10*time.Second)
	viper.SetDefault("worker.shutdowntimeout", 15*time.Second)
	viper.SetDefault("worker.mayiruninterval", 2*time.Second)

	// Queue defaults
	viper.SetDefault("queue.dbpath", "./flamenco-worker-queue.db")
	viper.SetDefault("queue.flushcap", 1000)
	viper.SetDefault("queue.backofftime", 5*time.Second)
	viper.SetDefault("queue.logbatchwait", 300*time.Millisecond)

	// Command defaults
	viper.SetDefault("command.blendercmd", "blender")
	viper.SetDefault("command.exrmergecmd", "flamenco-exr-merge")
	viper.SetDefault("command.killgraceperiod", 5*time.Second)
	viper.SetDefault("command.pythonexitcode", 47)

	// Status surface defaults
	viper.SetDefault("status.enabled", true)
	viper.SetDefault("status.addr", "127.0.0.1:8331")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("loglevel", "info")
}
