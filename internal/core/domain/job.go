package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type JobID string

type JobState string

const (
	JobStateQueued    JobState = "QUEUED"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
)

// IsTerminal reports whether no further transition can leave the state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobStateQueued:
		return to == JobStateRunning || to == JobStateCancelled
	case JobStateRunning:
		return to == JobStateSucceeded || to == JobStateFailed || to == JobStateCancelled
	}
	return false
}

type FailureKind string

const (
	FailureSpawn   FailureKind = "spawn_error"
	FailureProcess FailureKind = "process_failure"
)

// JobFailure is the reason attached to a FAILED job.
type JobFailure struct {
	Kind     FailureKind `json:"kind"`
	ExitCode int         `json:"exit_code"`
	Message  string      `json:"message,omitempty"`
}

func (f JobFailure) String() string {
	if f.Kind == FailureSpawn {
		return fmt.Sprintf("spawn error: %s", f.Message)
	}
	return fmt.Sprintf("exit code %d", f.ExitCode)
}

// JobRequest is what a collaborator submits; the scheduler turns it into a descriptor.
type JobRequest struct {
	InputPath  string   `json:"input_path"`
	OutputPath string   `json:"output_path"`
	Flags      []string `json:"flags,omitempty"`
}

// Validate checks the admission rules for a request.
func (r JobRequest) Validate() error {
	in := strings.TrimSpace(r.InputPath)
	out := strings.TrimSpace(r.OutputPath)
	if in == "" {
		return fmt.Errorf("%w: input path is empty", ErrInvalidDescriptor)
	}
	if out == "" {
		return fmt.Errorf("%w: output path is empty", ErrInvalidDescriptor)
	}
	// The paths follow the flags on the tool's command line.
	if strings.HasPrefix(in, "-") {
		return fmt.Errorf("%w: input path %q looks like a flag", ErrInvalidDescriptor, in)
	}
	if strings.HasPrefix(out, "-") {
		return fmt.Errorf("%w: output path %q looks like a flag", ErrInvalidDescriptor, out)
	}
	if filepath.Clean(in) == filepath.Clean(out) {
		return fmt.Errorf("%w: output path %q equals input path", ErrInvalidDescriptor, out)
	}
	return nil
}

// JobDescriptor is the immutable specification of one conversion.
// Flags are passed to the OCR tool verbatim and in order.
type JobDescriptor struct {
	ID         JobID     `json:"id"`
	Sequence   uint64    `json:"sequence"`
	InputPath  string    `json:"input_path"`
	OutputPath string    `json:"output_path"`
	Flags      []string  `json:"flags"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewJobDescriptor copies the request so later mutation of the caller's slice
// cannot reach the descriptor.
func NewJobDescriptor(id JobID, seq uint64, req JobRequest, createdAt time.Time) JobDescriptor {
	return JobDescriptor{
		ID:         id,
		Sequence:   seq,
		InputPath:  strings.TrimSpace(req.InputPath),
		OutputPath: strings.TrimSpace(req.OutputPath),
		Flags:      append([]string{}, req.Flags...),
		CreatedAt:  createdAt,
	}
}

// Args returns the argument vector for the OCR tool: flags, input, output.
func (d JobDescriptor) Args() []string {
	args := make([]string, 0, len(d.Flags)+2)
	args = append(args, d.Flags...)
	return append(args, d.InputPath, d.OutputPath)
}

func (d JobDescriptor) clone() JobDescriptor {
	d.Flags = append([]string{}, d.Flags...)
	return d
}

// JobRecord is the mutable lifecycle view of one job.
type JobRecord struct {
	Descriptor JobDescriptor `json:"descriptor"`
	State      JobState      `json:"state"`
	Failure    *JobFailure   `json:"failure,omitempty"`
	Log        []string      `json:"log"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
}

func (r JobRecord) ID() JobID { return r.Descriptor.ID }

// Clone returns a deep copy safe to hand outside the owning lock.
func (r JobRecord) Clone() JobRecord {
	cp := r
	cp.Descriptor = r.Descriptor.clone()
	cp.Log = append([]string{}, r.Log...)
	if r.Failure != nil {
		f := *r.Failure
		cp.Failure = &f
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	return cp
}

// ProcessExit is how a runner reports the end of one external process.
type ProcessExit struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Err    string `json:"error,omitempty"`
}

func (e ProcessExit) Success() bool { return e.Code == 0 && e.Signal == "" && e.Err == "" }

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidDescriptor  = errors.New("invalid job descriptor")
	ErrSpawn              = errors.New("failed to launch ocr tool")
	ErrAlreadyTerminal    = errors.New("job already in terminal state")
	ErrJobNotTerminal     = errors.New("job not in terminal state")
	ErrSchedulerClosed    = errors.New("scheduler is shut down")
	ErrToolNotFound       = errors.New("ocr tool not found")
	ErrInvalidPreferences = errors.New("invalid ocr preferences")
)
