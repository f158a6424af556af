package domain

import "time"

const (
	RunnerExec   = "exec"
	RunnerDocker = "docker"
)

// SchedulerConfig bounds how many jobs run at once and how long shutdown waits.
type SchedulerConfig struct {
	MaxConcurrentJobs int64         `json:"max_concurrent_jobs"`
	ShutdownGrace     time.Duration `json:"shutdown_grace"`
}

// RunnerConfig configures how the OCR tool is launched.
type RunnerConfig struct {
	Mode        string        `json:"mode"`         // "exec" or "docker"
	Tool        string        `json:"tool"`         // binary name or absolute path
	DockerImage string        `json:"docker_image"` // used when Mode is "docker"
	KillGrace   time.Duration `json:"kill_grace"`   // SIGTERM -> SIGKILL window
}

// ServerConfig configures the kernel API.
type ServerConfig struct {
	Addr           string   `json:"addr"`
	SocketPath     string   `json:"socket_path,omitempty"` // overrides Addr when set
	AllowedOrigins []string `json:"allowed_origins"`
}

// AppConfig is the main application configuration
type AppConfig struct {
	Scheduler   SchedulerConfig `json:"scheduler"`
	Runner      RunnerConfig    `json:"runner"`
	Server      ServerConfig    `json:"server"`
	DBPath      string          `json:"db_path"`
	EventBuffer int             `json:"event_buffer"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Scheduler: SchedulerConfig{
			MaxConcurrentJobs: 2,
			ShutdownGrace:     10 * time.Second,
		},
		Runner: RunnerConfig{
			Mode:        RunnerExec,
			Tool:        "ocrmypdf",
			DockerImage: "jbarlow83/ocrmypdf",
			KillGrace:   5 * time.Second,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:5174"},
		},
		DBPath:      "ocr-kernel.db",
		EventBuffer: 256,
	}
}
