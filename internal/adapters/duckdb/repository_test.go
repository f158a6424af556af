package duckdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func finishedRecord(id string, seq uint64, created time.Time, state domain.JobState) domain.JobRecord {
	started := created.Add(time.Second)
	ended := created.Add(3 * time.Second)
	return domain.JobRecord{
		Descriptor: domain.JobDescriptor{
			ID:         domain.JobID(id),
			Sequence:   seq,
			InputPath:  "/scans/" + id + ".pdf",
			OutputPath: "/scans/" + id + " ocr.pdf",
			Flags:      []string{"-l", "eng+deu", "--deskew"},
			CreatedAt:  created,
		},
		State:     state,
		Log:       []string{"Scanning contents", "Postprocessing..."},
		StartedAt: &started,
		EndedAt:   &ended,
	}
}

func TestRepository_Settings(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetSetting(ctx, "ocr_preferences")
	assert.ErrorIs(t, err, ErrSettingNotFound)

	require.NoError(t, repo.SaveSetting(ctx, "ocr_preferences", `{"deskew":true}`))
	require.NoError(t, repo.SaveSetting(ctx, "ocr_preferences", `{"deskew":false}`))

	value, err := repo.GetSetting(ctx, "ocr_preferences")
	require.NoError(t, err)
	assert.Equal(t, `{"deskew":false}`, value)
}

func TestRepository_History(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ok := finishedRecord("job-1", 1, base, domain.JobStateSucceeded)
	failed := finishedRecord("job-2", 2, base.Add(time.Minute), domain.JobStateFailed)
	failed.Failure = &domain.JobFailure{Kind: domain.FailureProcess, ExitCode: 6}

	require.NoError(t, repo.SaveRecord(ctx, ok))
	require.NoError(t, repo.SaveRecord(ctx, failed))
	// Saving again is an upsert
	require.NoError(t, repo.SaveRecord(ctx, failed))

	fetched, err := repo.GetRecord(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, fetched.State)
	require.NotNil(t, fetched.Failure)
	assert.Equal(t, domain.FailureProcess, fetched.Failure.Kind)
	assert.Equal(t, 6, fetched.Failure.ExitCode)
	assert.Equal(t, failed.Descriptor.Flags, fetched.Descriptor.Flags)
	assert.Equal(t, failed.Log, fetched.Log)
	assert.Equal(t, uint64(2), fetched.Descriptor.Sequence)
	require.NotNil(t, fetched.EndedAt)
	assert.WithinDuration(t, *failed.EndedAt, *fetched.EndedAt, time.Millisecond)

	fetchedOK, err := repo.GetRecord(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, fetchedOK.Failure)

	all, err := repo.ListRecords(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, domain.JobID("job-2"), all[0].ID())
	assert.Equal(t, domain.JobID("job-1"), all[1].ID())

	limited, err := repo.ListRecords(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, repo.DeleteRecord(ctx, "job-1"))
	_, err = repo.GetRecord(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.ErrorIs(t, repo.DeleteRecord(ctx, "job-1"), domain.ErrJobNotFound)
}
