package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
	"github.com/manthysbr/ocrkernel/internal/core/ports"
)

const archiveWriteTimeout = 5 * time.Second

// HistoryRecorder copies finished jobs into a persistent archive. It listens
// on the bus like any other collaborator; when its buffer overflows it falls
// back to re-saving everything in the result store.
type HistoryRecorder struct {
	logger  *slog.Logger
	bus     *EventBus
	results *ResultStore
	archive ports.HistoryArchive
}

func NewHistoryRecorder(logger *slog.Logger, bus *EventBus, results *ResultStore, archive ports.HistoryArchive) *HistoryRecorder {
	return &HistoryRecorder{
		logger:  logger,
		bus:     bus,
		results: results,
		archive: archive,
	}
}

// Run archives completed jobs until ctx is cancelled or the bus is closed.
// On the way out it resyncs once so late results are not lost.
func (h *HistoryRecorder) Run(ctx context.Context) error {
	ch, unsub := h.bus.SubscribeGlobal()
	defer unsub()

	h.logger.Info("history recorder started")
	defer h.resync(context.WithoutCancel(ctx))

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			switch evt.Type {
			case EventTypeCompleted:
				if evt.Record != nil {
					h.save(ctx, *evt.Record)
				}
			case EventTypeOverflow:
				h.logger.Warn("history recorder missed events, resyncing", "dropped", evt.Dropped)
				h.resync(ctx)
			}
		}
	}
}

func (h *HistoryRecorder) resync(ctx context.Context) {
	for _, rec := range h.results.List() {
		h.save(ctx, rec)
	}
}

func (h *HistoryRecorder) save(ctx context.Context, rec domain.JobRecord) {
	wctx, cancel := context.WithTimeout(ctx, archiveWriteTimeout)
	defer cancel()

	if err := h.archive.SaveRecord(wctx, rec); err != nil {
		h.logger.Error("failed to archive job record", "job_id", rec.ID(), "error", err)
	}
}
