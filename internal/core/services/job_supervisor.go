package services

import (
	"context"
	"fmt"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
)

// supervise runs one dispatched job to its terminal state. It is the only
// holder of the job's process handle; the scheduler talks to it through the
// entry's terminate and kill channels.
func (s *JobScheduler) supervise(ctx context.Context, entry *jobEntry) {
	defer s.supervisors.Done()
	defer s.semaphore.Release(1)

	// The descriptor is immutable, so reading it without the lock is safe.
	desc := entry.record.Descriptor
	logger := s.logger.With("job_id", desc.ID)
	logger.Info("executing job", "input", desc.InputPath, "output", desc.OutputPath, "flags", desc.Flags)

	// A launch can stall (image pulls, a busy daemon); cancellation aborts it.
	startCtx, abort := context.WithCancel(ctx)
	launched := make(chan struct{})
	go func() {
		select {
		case <-entry.terminate:
			abort()
		case <-launched:
		}
	}()

	handle, err := s.runner.Start(startCtx, desc, func(line string) {
		s.appendLog(entry, line)
	})
	close(launched)
	abort()
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if entry.cancelRequested {
			logger.Info("job cancelled during launch", "error", err)
			s.finishLocked(entry, domain.JobStateCancelled, nil)
			return
		}

		logger.Error("ocr tool spawn failed", "error", err)
		s.finishLocked(entry, domain.JobStateFailed, &domain.JobFailure{
			Kind:     domain.FailureSpawn,
			ExitCode: -1,
			Message:  err.Error(),
		})
		return
	}

	exitCh := make(chan domain.ProcessExit, 1)
	go func() {
		exitCh <- handle.Wait()
	}()

	var exit domain.ProcessExit
	select {
	case exit = <-exitCh:
	case <-entry.terminate:
		logger.Info("terminating ocr process")
		handle.Terminate()
		select {
		case exit = <-exitCh:
		case <-entry.kill:
			logger.Warn("force killing ocr process")
			handle.Kill()
			exit = <-exitCh
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case entry.cancelRequested:
		s.finishLocked(entry, domain.JobStateCancelled, nil)
		logger.Info("job cancelled", "exit_code", exit.Code, "signal", exit.Signal)
	case exit.Success():
		s.finishLocked(entry, domain.JobStateSucceeded, nil)
		logger.Info("job succeeded", "log_lines", len(entry.record.Log))
	default:
		s.finishLocked(entry, domain.JobStateFailed, &domain.JobFailure{
			Kind:     domain.FailureProcess,
			ExitCode: exit.Code,
			Message:  describeExit(exit),
		})
		logger.Warn("job failed", "exit_code", exit.Code, "signal", exit.Signal, "error", exit.Err)
	}
}

// appendLog records one output line and forwards it to subscribers.
func (s *JobScheduler) appendLog(entry *jobEntry, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.record.State != domain.JobStateRunning {
		return
	}
	entry.record.Log = append(entry.record.Log, line)
	s.bus.Publish(Event{
		JobID: entry.record.ID(),
		Type:  EventTypeProgressLine,
		State: domain.JobStateRunning,
		Data:  line,
	})
}

func describeExit(exit domain.ProcessExit) string {
	switch {
	case exit.Signal != "":
		return fmt.Sprintf("terminated by signal %s", exit.Signal)
	case exit.Err != "":
		return exit.Err
	default:
		return fmt.Sprintf("process exited with code %d", exit.Code)
	}
}
