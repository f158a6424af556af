package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
)

const envPrefix = "OCR_KERNEL_"

// LoadFromEnv overlays OCR_KERNEL_* variables on the defaults.
func LoadFromEnv() (*domain.AppConfig, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (*domain.AppConfig, error) {
	cfg := domain.DefaultConfig()
	get := func(name string) (string, bool) {
		return lookup(envPrefix + name)
	}

	if v, ok := get("ADDR"); ok && v != "" {
		cfg.Server.Addr = v
	}
	if v, ok := get("SOCKET"); ok {
		cfg.Server.SocketPath = v
	}
	if v, ok := get("DB_PATH"); ok {
		// Empty disables persistence.
		cfg.DBPath = v
	}
	if v, ok := get("RUNNER"); ok && v != "" {
		switch v {
		case domain.RunnerExec, domain.RunnerDocker:
			cfg.Runner.Mode = v
		default:
			return nil, fmt.Errorf("%sRUNNER: unknown runner %q", envPrefix, v)
		}
	}
	if v, ok := get("TOOL"); ok && v != "" {
		cfg.Runner.Tool = v
	}
	if v, ok := get("DOCKER_IMAGE"); ok && v != "" {
		cfg.Runner.DockerImage = v
	}
	if v, ok := get("MAX_JOBS"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%sMAX_JOBS: must be a positive integer, got %q", envPrefix, v)
		}
		cfg.Scheduler.MaxConcurrentJobs = n
	}
	if v, ok := get("KILL_GRACE"); ok && v != "" {
		d, err := parsePositiveDuration("KILL_GRACE", v)
		if err != nil {
			return nil, err
		}
		cfg.Runner.KillGrace = d
	}
	if v, ok := get("SHUTDOWN_GRACE"); ok && v != "" {
		d, err := parsePositiveDuration("SHUTDOWN_GRACE", v)
		if err != nil {
			return nil, err
		}
		cfg.Scheduler.ShutdownGrace = d
	}
	if v, ok := get("EVENT_BUFFER"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%sEVENT_BUFFER: must be a positive integer, got %q", envPrefix, v)
		}
		cfg.EventBuffer = n
	}
	if v, ok := get("CORS_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Server.AllowedOrigins = origins
	}

	return cfg, nil
}

func parsePositiveDuration(name, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s%s: must be a positive duration, got %q", envPrefix, name, v)
	}
	return d, nil
}
