package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[JobState][]JobState{
		JobStateQueued:  {JobStateRunning, JobStateCancelled},
		JobStateRunning: {JobStateSucceeded, JobStateFailed, JobStateCancelled},
	}
	all := []JobState{JobStateQueued, JobStateRunning, JobStateSucceeded, JobStateFailed, JobStateCancelled}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, contains(allowed[from], to), CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func contains(states []JobState, s JobState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func TestJobRequest_Validate(t *testing.T) {
	assert.NoError(t, JobRequest{InputPath: "/a/in.pdf", OutputPath: "/a/in ocr.pdf"}.Validate())
	assert.NoError(t, JobRequest{InputPath: "/a/-draft.pdf", OutputPath: "/a/-draft ocr.pdf"}.Validate())

	for name, req := range map[string]JobRequest{
		"empty input":  {OutputPath: "/out.pdf"},
		"blank output": {InputPath: "/in.pdf", OutputPath: "  "},
		"same path":    {InputPath: "/a/in.pdf", OutputPath: "/a/./in.pdf"},
		"stdin input":  {InputPath: "-", OutputPath: "/out.pdf"},
		"flag input":   {InputPath: "--sidecar.pdf", OutputPath: "/out.pdf"},
		"flag output":  {InputPath: "/in.pdf", OutputPath: " -o.pdf"},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, req.Validate(), ErrInvalidDescriptor)
		})
	}
}

func TestJobDescriptor_ArgsAndCopy(t *testing.T) {
	flags := []string{"-l", "eng+deu", "--deskew"}
	desc := NewJobDescriptor("id", 1, JobRequest{InputPath: "/in.pdf", OutputPath: "/out.pdf", Flags: flags}, time.Now())

	flags[0] = "--mutated"
	assert.Equal(t, []string{"-l", "eng+deu", "--deskew", "/in.pdf", "/out.pdf"}, desc.Args())
}

func TestJobRecord_CloneIsDeep(t *testing.T) {
	started := time.Now()
	rec := JobRecord{
		Descriptor: JobDescriptor{ID: "id", Flags: []string{"--clean"}},
		State:      JobStateFailed,
		Failure:    &JobFailure{Kind: FailureProcess, ExitCode: 2},
		Log:        []string{"a"},
		StartedAt:  &started,
	}

	cp := rec.Clone()
	cp.Log[0] = "b"
	cp.Descriptor.Flags[0] = "--x"
	cp.Failure.ExitCode = 9
	*cp.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "a", rec.Log[0])
	assert.Equal(t, "--clean", rec.Descriptor.Flags[0])
	assert.Equal(t, 2, rec.Failure.ExitCode)
	assert.True(t, rec.StartedAt.Equal(started))
}

func TestJobFailure_String(t *testing.T) {
	assert.Equal(t, "exit code 2", JobFailure{Kind: FailureProcess, ExitCode: 2}.String())
	assert.Equal(t, "spawn error: not found", JobFailure{Kind: FailureSpawn, Message: "not found"}.String())
}

func TestProcessExit_Success(t *testing.T) {
	assert.True(t, ProcessExit{}.Success())
	assert.False(t, ProcessExit{Code: 1}.Success())
	assert.False(t, ProcessExit{Code: -1, Signal: "SIGKILL"}.Success())
	require.False(t, ProcessExit{Err: "wait failed"}.Success())
}
