package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kalebavincent/dl-torrent/internal/backend"
	"github.com/kalebavincent/dl-torrent/internal/model"
	"github.com/kalebavincent/dl-torrent/internal/retry"
)

// pollFailureLimit bounds consecutive poll errors tolerated before the
// transfer attempt is written off as failed.
const pollFailureLimit = 5

// jobRef is the immutable view of a job a worker operates on. Workers
// never touch the job table; they report through the event channel.
type jobRef struct {
	id           string
	resource     string
	mirrors      []string
	kind         model.ResourceKind
	outputPath   string
	targetFormat string
	retries      int
	handle       backend.Handle // non-empty for re-attached sessions
}

func (s *Scheduler) report(id string, to model.JobState, reason string, failure model.FailureClass, finalPath string) {
	s.events <- event{
		kind:      evTransition,
		jobID:     id,
		to:        to,
		reason:    reason,
		failure:   failure,
		finalPath: finalPath,
	}
}

func (s *Scheduler) reportRetry(id, reason string) {
	s.events <- event{kind: evRetry, jobID: id, reason: reason}
}

// runJob drives one job from resolving to a terminal state: mirror
// selection, engine start with backoff on transient failures, the poll
// loop, then post-processing.
func (s *Scheduler) runJob(ctx context.Context, ref jobRef) {
	defer s.wg.Done()

	adapter := s.adapters[ref.kind]
	attempts := ref.retries
	handle := ref.handle

	for {
		if handle == "" {
			h, done := s.startAttempt(ctx, ref, adapter, &attempts)
			if done {
				return
			}
			handle = h
			s.report(ref.id, model.StateActive, "", model.FailureNone, "")
		}

		result, done := s.pollUntilTerminal(ctx, ref, adapter, handle)
		if done {
			return
		}

		switch result.State {
		case backend.TerminalCompleted:
			s.postProcess(ctx, ref)
			return
		case backend.TerminalCancelled:
			s.report(ref.id, model.StateCancelled, "cancelled by engine", model.FailureNone, "")
			return
		case backend.TerminalFailed:
			if result.Permanent {
				s.report(ref.id, model.StateFailed, result.Reason, model.FailurePermanent, "")
				return
			}
			// Other mid-transfer failures are assumed recoverable and
			// consume the same retry budget as start failures.
			attempts++
			if s.opts.RetryPolicy.Exhausted(attempts) {
				s.report(ref.id, model.StateFailed,
					fmt.Sprintf("transfer failed after %d attempts: %s", attempts, result.Reason),
					model.FailureTransient, "")
				return
			}
			s.reportRetry(ref.id, result.Reason)
			s.report(ref.id, model.StateResolving, result.Reason, model.FailureNone, "")
			if err := s.sleep(ctx, s.opts.RetryPolicy.Backoff(attempts)); err != nil {
				s.report(ref.id, model.StateCancelled, "cancelled during backoff", model.FailureNone, "")
				return
			}
			handle = ""
		}
	}
}

// startAttempt resolves the source and starts the transfer, retrying
// transient failures with exponential backoff. The bool result is true
// when the job reached a terminal state here.
func (s *Scheduler) startAttempt(ctx context.Context, ref jobRef, adapter backend.Adapter, attempts *int) (backend.Handle, bool) {
	if err := s.checkDiskSpace(ref.outputPath); err != nil {
		s.report(ref.id, model.StateFailed, err.Error(), model.FailurePermanent, "")
		return "", true
	}

	for {
		if ctx.Err() != nil {
			s.report(ref.id, model.StateCancelled, "cancelled while resolving", model.FailureNone, "")
			return "", true
		}

		source := s.selectSource(ctx, ref)
		handle, err := adapter.Start(ctx, source, ref.outputPath, backend.StartOptions{
			Trackers: s.opts.Trackers,
		})
		if err == nil {
			return handle, false
		}

		*attempts++
		switch retry.Classify(err) {
		case retry.Cancel:
			s.report(ref.id, model.StateCancelled, "cancelled while starting", model.FailureNone, "")
			return "", true
		case retry.Permanent:
			s.report(ref.id, model.StateFailed, err.Error(), model.FailurePermanent, "")
			return "", true
		}

		if s.opts.RetryPolicy.Exhausted(*attempts) {
			s.report(ref.id, model.StateFailed,
				fmt.Sprintf("start failed after %d attempts: %v", *attempts, err),
				model.FailureTransient, "")
			return "", true
		}
		s.reportRetry(ref.id, err.Error())
		if err := s.sleep(ctx, s.opts.RetryPolicy.Backoff(*attempts)); err != nil {
			s.report(ref.id, model.StateCancelled, "cancelled during backoff", model.FailureNone, "")
			return "", true
		}
	}
}

// selectSource ranks the resource plus its mirrors via the geo
// selector. Selection always yields a source; resolution failures fall
// back to declaration order inside the selector.
func (s *Scheduler) selectSource(ctx context.Context, ref jobRef) string {
	if s.selector == nil || len(ref.mirrors) == 0 {
		return ref.resource
	}
	urls := make([]string, 0, 1+len(ref.mirrors))
	urls = append(urls, ref.resource)
	urls = append(urls, ref.mirrors...)

	cand, err := s.selector.Select(ctx, urls, s.opts.GeoPolicy)
	if err != nil {
		return ref.resource
	}
	return cand.URL
}

// pollUntilTerminal runs the bounded poll cycle. It returns the
// terminal result of the transfer, or done=true when the job was
// finished here (cancellation or poll breakdown).
func (s *Scheduler) pollUntilTerminal(ctx context.Context, ref jobRef, adapter backend.Adapter, handle backend.Handle) (backend.TerminalResult, bool) {
	interval := s.opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	var lastSnap *model.ProgressSnapshot
	pollFailures := 0

	for {
		select {
		case <-ctx.Done():
			s.cancelTransfer(adapter, handle)
			s.report(ref.id, model.StateCancelled, "cancellation requested", model.FailureNone, "")
			return backend.TerminalResult{}, true
		default:
		}

		st, err := adapter.Poll(ctx, handle)
		switch {
		case err != nil && errors.Is(err, context.Canceled):
			s.cancelTransfer(adapter, handle)
			s.report(ref.id, model.StateCancelled, "cancellation requested", model.FailureNone, "")
			return backend.TerminalResult{}, true
		case err != nil:
			pollFailures++
			if pollFailures >= pollFailureLimit {
				return backend.TerminalResult{
					State:  backend.TerminalFailed,
					Reason: fmt.Sprintf("lost contact with engine: %v", err),
				}, false
			}
		case st.Terminal != nil:
			if st.Terminal.State == backend.TerminalCompleted && lastSnap != nil && lastSnap.BytesTotal > 0 {
				s.progress.Update(ref.id, model.ProgressSnapshot{
					BytesDone:  lastSnap.BytesTotal,
					BytesTotal: lastSnap.BytesTotal,
					Rate:       0,
					ETASec:     0,
					At:         s.now(),
				})
			}
			return *st.Terminal, false
		case st.Progress != nil:
			pollFailures = 0
			lastSnap = st.Progress
			s.progress.Update(ref.id, *st.Progress)
		}

		if err := s.sleep(ctx, interval); err != nil {
			s.cancelTransfer(adapter, handle)
			s.report(ref.id, model.StateCancelled, "cancellation requested", model.FailureNone, "")
			return backend.TerminalResult{}, true
		}
	}
}

// cancelTransfer tells the engine to stop; it runs on a fresh context
// because the job context is already cancelled.
func (s *Scheduler) cancelTransfer(adapter backend.Adapter, handle backend.Handle) {
	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adapter.Cancel(cctx, handle); err != nil && s.logger != nil {
		s.logger.Printf("engine cancel: %v", err)
	}
}

// postProcess runs the transformation step on the completed transfer.
// Failures here leave the raw file in place and surface as a distinct
// failure class.
func (s *Scheduler) postProcess(ctx context.Context, ref jobRef) {
	s.report(ref.id, model.StatePostProcessing, "", model.FailureNone, "")

	if !s.processor.NeedsProcessing(ref.outputPath, ref.targetFormat) {
		s.report(ref.id, model.StateCompleted, "", model.FailureNone, ref.outputPath)
		return
	}

	res, err := s.processor.Process(ctx, ref.outputPath, ref.targetFormat)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.report(ref.id, model.StateCancelled, "cancelled during post-processing", model.FailureNone, "")
			return
		}
		reason := res.Message
		if reason == "" {
			reason = err.Error()
		}
		s.report(ref.id, model.StateFailed, reason, model.FailurePostProcessing, ref.outputPath)
		return
	}
	s.report(ref.id, model.StateCompleted, "", model.FailureNone, res.OutputPath)
}

// checkDiskSpace refuses to start a transfer when the volume holding
// the output directory is below the configured headroom.
func (s *Scheduler) checkDiskSpace(outputPath string) error {
	if s.opts.MinFreeBytes <= 0 || s.diskFree == nil {
		return nil
	}
	dir := filepath.Dir(outputPath)
	free, err := s.diskFree(dir)
	if err != nil {
		// Unknown filesystems fail open.
		return nil
	}
	if free < s.opts.MinFreeBytes {
		return fmt.Errorf("insufficient disk space: %d bytes free, %d required", free, s.opts.MinFreeBytes)
	}
	return nil
}
