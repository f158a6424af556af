package ports

import (
	"context"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
)

// ProcessRunner abstracts how the OCR tool is launched (local exec, Docker, ...)
type ProcessRunner interface {
	// Start launches the tool for one descriptor. onLine receives every
	// output line in production order, from a single goroutine.
	// ctx bounds the launch alone and is cancelled when the job is cancelled
	// before its process is up; the returned handle must not depend on it.
	// A launch failure is returned wrapped in domain.ErrSpawn.
	Start(ctx context.Context, desc domain.JobDescriptor, onLine func(string)) (ProcessHandle, error)
}

// ProcessHandle is the runner-owned view of one running process.
type ProcessHandle interface {
	// Terminate asks the process to stop gracefully and escalates to a
	// forceful kill after the runner's grace window. Idempotent.
	Terminate()

	// Kill stops the process forcefully right away. Idempotent.
	Kill()

	// Wait blocks until the process has exited and all output was delivered.
	Wait() domain.ProcessExit
}

// HistoryArchive persists finished job records outside the engine.
type HistoryArchive interface {
	SaveRecord(ctx context.Context, rec domain.JobRecord) error
	GetRecord(ctx context.Context, id domain.JobID) (domain.JobRecord, error)
	// ListRecords returns the newest records first; limit <= 0 means all.
	ListRecords(ctx context.Context, limit int) ([]domain.JobRecord, error)
	DeleteRecord(ctx context.Context, id domain.JobID) error
}

// SettingsRepository is the minimal DB interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}
