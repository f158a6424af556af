package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryArchive struct {
	mu      sync.Mutex
	records map[domain.JobID]domain.JobRecord
}

func newMemoryArchive() *memoryArchive {
	return &memoryArchive{records: make(map[domain.JobID]domain.JobRecord)}
}

func (a *memoryArchive) SaveRecord(_ context.Context, rec domain.JobRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[rec.ID()] = rec
	return nil
}

func (a *memoryArchive) GetRecord(_ context.Context, id domain.JobID) (domain.JobRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[id]
	if !ok {
		return domain.JobRecord{}, domain.ErrJobNotFound
	}
	return rec, nil
}

func (a *memoryArchive) ListRecords(_ context.Context, _ int) ([]domain.JobRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.JobRecord, 0, len(a.records))
	for _, rec := range a.records {
		out = append(out, rec)
	}
	return out, nil
}

func (a *memoryArchive) DeleteRecord(_ context.Context, id domain.JobID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.records, id)
	return nil
}

func (a *memoryArchive) has(id domain.JobID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.records[id]
	return ok
}

func TestHistoryRecorder_ArchivesCompletedJobs(t *testing.T) {
	runner := newFakeRunner()
	s, bus := newTestScheduler(t, 1, runner)
	archive := newMemoryArchive()
	recorder := NewHistoryRecorder(testLogger(), bus, s.results, archive)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- recorder.Run(ctx) }()

	// Let the recorder subscribe before the first job finishes.
	time.Sleep(20 * time.Millisecond)

	id := submit(t, s, 1)
	p := runner.next(t)
	p.emit("done")
	p.finish(domain.ProcessExit{Code: 0})

	require.Eventually(t, func() bool { return archive.has(id) }, 2*time.Second, 5*time.Millisecond)
	rec, err := archive.GetRecord(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateSucceeded, rec.State)
	assert.Equal(t, []string{"done"}, rec.Log)

	cancel()
	require.NoError(t, <-done)
}

func TestHistoryRecorder_ResyncsOnExit(t *testing.T) {
	bus := NewEventBus(testLogger(), 0)
	results := NewResultStore()
	require.NoError(t, results.Append(terminalRecord("earlier", 1, time.Now(), domain.JobStateFailed)))

	archive := newMemoryArchive()
	recorder := NewHistoryRecorder(testLogger(), bus, results, archive)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, recorder.Run(ctx))

	assert.True(t, archive.has("earlier"))
}
