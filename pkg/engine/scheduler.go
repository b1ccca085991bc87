package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chiral-network/transfer-core/internal/xerrors"
	"github.com/chiral-network/transfer-core/pkg/eventbus"
	"github.com/chiral-network/transfer-core/pkg/sourcedir"
	"github.com/chiral-network/transfer-core/pkg/tracing"
	"github.com/chiral-network/transfer-core/pkg/transfer"
)

// schedulerTick is how often the engine task re-evaluates eligible chunks
// and usable sources when nothing is actively in flight — short enough
// that pause/resume and new-source announcements feel responsive, long
// enough not to spin.
const schedulerTick = 50 * time.Millisecond

// run is the engine task (spec §5: "single-threaded per transfer") driving
// scheduling, writes, and the transfer-level state machine. Per-chunk
// fetches happen on their own goroutines bounded by MaxParallelChunks.
func (e *Engine) run(ctx context.Context, mt *managedTransfer) {
	defer recoverGoroutine(e.log, mt.t.TransferID)
	defer close(mt.done)
	defer e.bus.ForgetTransfer(mt.t.TransferID)

	log := e.log.With().Str("transfer_id", mt.t.TransferID).Logger()

	sem := make(chan struct{}, e.cfg.MaxParallelChunks)
	var wg sync.WaitGroup

	lastProgress := time.Now()

	finish := func(status transfer.Status, category xerrors.Category, causeErr error) {
		if status == transfer.StatusCanceled {
			waitBounded(&wg, e.cfg.CancelGrace)
			e.closeSourceHandles(mt)
		} else {
			wg.Wait()
		}
		mt.t.SetStatus(status)
		switch status {
		case transfer.StatusCompleted:
			e.finalize(mt, &log)
		case transfer.StatusFailed:
			msg := ""
			if causeErr != nil {
				msg = causeErr.Error()
			}
			e.bus.Publish(eventbus.FailedEvent{Meta: meta(mt.t.TransferID), Category: string(category), Error: msg})
			e.recordOutcomes(mt, false)
			e.recordTerminalMetrics(transfer.StatusFailed)
			tracing.RecordOutcome(mt.span, mt.spanStart, causeErr)
		case transfer.StatusCanceled:
			e.bus.Publish(eventbus.CanceledEvent{Meta: meta(mt.t.TransferID)})
			e.recordOutcomes(mt, false)
			e.recordTerminalMetrics(transfer.StatusCanceled)
			tracing.RecordOutcome(mt.span, mt.spanStart, xerrors.New(xerrors.CategoryCanceled, "transfer canceled"))
		}
		if mt.staging != nil && status != transfer.StatusCompleted {
			mt.staging.Close()
		}
	}

schedulingLoop:
	for {
		select {
		case <-ctx.Done():
			finish(transfer.StatusCanceled, xerrors.CategoryCanceled, nil)
			return
		default:
		}

		if mt.t.AllCompleted() {
			break schedulingLoop
		}

		if e.isPaused(mt) {
			e.waitForResume(ctx, mt)
			continue
		}

		eligible := mt.t.EligibleChunks(e.cfg.ChunkMaxAttempts)
		if len(eligible) == 0 {
			if time.Since(lastProgress) > e.cfg.StallTimeout {
				finish(transfer.StatusFailed, xerrors.CategoryNoSources, xerrors.New(xerrors.CategoryNoSources, "no chunk has a remaining eligible source"))
				return
			}
			select {
			case <-ctx.Done():
				finish(transfer.StatusCanceled, xerrors.CategoryCanceled, nil)
				return
			case <-time.After(schedulerTick):
			}
			continue
		}

		idx := pickChunk(mt.t, eligible, mt.t.RarestFirst)
		src := e.pickSource(mt)
		if src == nil {
			if time.Since(lastProgress) > e.cfg.StallTimeout {
				finish(transfer.StatusFailed, xerrors.CategoryStalled, xerrors.New(xerrors.CategoryStalled, "no usable source within stall timeout"))
				return
			}
			select {
			case <-ctx.Done():
				finish(transfer.StatusCanceled, xerrors.CategoryCanceled, nil)
				return
			case <-time.After(schedulerTick):
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			finish(transfer.StatusCanceled, xerrors.CategoryCanceled, nil)
			return
		}

		attempt := mt.t.ChunkStateAt(idx).Attempt + 1
		mt.t.MarkInFlight(idx, src.source.SourceID, attempt)
		src.acquire()
		wg.Add(1)
		go func(chunkIdx int, source *sourceState, attemptNum int) {
			defer wg.Done()
			defer func() { <-sem }()
			defer source.release()
			e.fetchChunk(ctx, mt, source, chunkIdx, attemptNum, &log)
		}(idx, src, attempt)

		lastProgress = time.Now()
	}

	finish(transfer.StatusCompleted, "", nil)
}

// waitBounded waits for wg up to grace, returning early if every goroutine
// finishes sooner. It does not forcibly stop the goroutines themselves —
// that's left to their own context-cancellation handling (spec §4.3: "a
// bounded wait for in-flight handler tasks to unwind").
func waitBounded(wg *sync.WaitGroup, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

// closeSourceHandles releases every open DownloadHandle for a canceled
// transfer so the underlying connections don't linger (spec §4.3).
func (e *Engine) closeSourceHandles(mt *managedTransfer) {
	mt.sourcesMu.Lock()
	sources := append([]*sourceState(nil), mt.sources...)
	mt.sourcesMu.Unlock()
	for _, s := range sources {
		s.closeHandle()
	}
}

// isPaused reports whether the write loop must suspend: either a user
// pause or the payment checkpoint holding the session (spec §4.2.3 step 4).
func (e *Engine) isPaused(mt *managedTransfer) bool {
	mt.pauseMu.Lock()
	userPaused := mt.userPaused
	mt.pauseMu.Unlock()
	if userPaused {
		return true
	}
	if mt.sessionID != "" && e.payments.ShouldPause(mt.sessionID) {
		if mt.t.Status() == transfer.StatusStarted {
			mt.t.SetStatus(transfer.StatusPaused)
			e.bus.Publish(eventbus.PausedEvent{Meta: meta(mt.t.TransferID), Reason: "payment_checkpoint"})
			if e.metrics != nil {
				e.metrics.PaymentPauses.Inc()
			}
		}
		return true
	}
	// The payment checkpoint that paused this transfer has cleared (a
	// record_payment arrived) without the user ever calling
	// ResumeTransfer: reflect that in the status/event stream too.
	if mt.t.Status() == transfer.StatusPaused {
		mt.pauseMu.Lock()
		userPaused := mt.userPaused
		mt.pauseMu.Unlock()
		if !userPaused {
			mt.t.SetStatus(transfer.StatusStarted)
			e.bus.Publish(eventbus.ResumedEvent{Meta: meta(mt.t.TransferID)})
		}
	}
	return false
}

// waitForResume blocks until the transfer is resumable again or canceled,
// all suspension points being cancellation-observant (spec §4.3).
func (e *Engine) waitForResume(ctx context.Context, mt *managedTransfer) {
	select {
	case <-ctx.Done():
		return
	case <-mt.resumeCh:
		return
	case <-time.After(schedulerTick):
		return
	}
}

// pickChunk implements spec §4.2.2: the eligible chunk with the lowest
// index, unless rarest-first, in which case the chunk that has failed the
// most attempts so far — the closest observable proxy this core has for
// "least available" in the absence of a swarm-reported piece map (spec §9
// leaves the exact availability() metric to the implementer).
func pickChunk(t *transfer.Transfer, eligible []int, rarestFirst bool) int {
	if !rarestFirst {
		return eligible[0]
	}
	best := eligible[0]
	bestAttempts := t.ChunkStateAt(best).Attempt
	for _, idx := range eligible[1:] {
		if a := t.ChunkStateAt(idx).Attempt; a > bestAttempts {
			best, bestAttempts = idx, a
		}
	}
	return best
}

// pickSource implements spec §4.2.2's source-selection formula: maximize
// weight = reputation * (1/queue_depth) * bandwidth_estimate, breaking ties
// by lowest latency then by source_id.
func (e *Engine) pickSource(mt *managedTransfer) *sourceState {
	mt.sourcesMu.Lock()
	candidates := append([]*sourceState(nil), mt.sources...)
	mt.sourcesMu.Unlock()

	type scored struct {
		s       *sourceState
		weight  float64
		latency time.Duration
	}
	var usable []scored
	for _, s := range candidates {
		snap := s.tracker.Snapshot()
		decision := s.tracker.Decide(e.healthParams, reputationOf(s.source))
		if !decision.ShouldUse {
			if s.markDisconnected() {
				s.closeHandle()
				e.bus.Publish(eventbus.SourceDisconnectedEvent{Meta: meta(mt.t.TransferID), SourceID: s.source.SourceID, Reason: "exhausted"})
			}
			continue
		}
		bandwidth := snap.BandwidthBytesPerSec
		if bandwidth <= 0 {
			if s.source.EstimatedBandwidth != nil {
				bandwidth = *s.source.EstimatedBandwidth
			} else {
				bandwidth = 1
			}
		}
		weight := decision.Weight * (1.0 / float64(s.depth())) * bandwidth
		usable = append(usable, scored{s: s, weight: weight, latency: snap.LastLatency})
	}
	if len(usable) == 0 {
		return nil
	}
	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].weight != usable[j].weight {
			return usable[i].weight > usable[j].weight
		}
		if usable[i].latency != usable[j].latency {
			return usable[i].latency < usable[j].latency
		}
		return usable[i].s.source.SourceID < usable[j].s.source.SourceID
	})
	return usable[0].s
}

func reputationOf(s transfer.Source) float64 {
	if s.Reputation != nil {
		return *s.Reputation
	}
	return 0
}

// fetchChunk implements the per-chunk protocol of spec §4.2.3: fetch,
// verify, pause for payment, write, persist, and event emission. The chunk
// has already been marked InFlight by the caller.
func (e *Engine) fetchChunk(ctx context.Context, mt *managedTransfer, src *sourceState, idx int, attempt int, log *zerolog.Logger) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	spanStart := time.Now()
	fetchCtx, span := e.tracer.StartChunkSpan(fetchCtx, mt.t.TransferID, idx, src.source.SourceID)
	var outcomeErr error
	defer func() { tracing.RecordOutcome(span, spanStart, outcomeErr) }()

	handle, err := src.openHandle(fetchCtx, e.bus)
	if err != nil {
		outcomeErr = err
		e.failChunk(mt, src, idx, attempt, xerrors.CategoryNetwork, err, log)
		return
	}

	start := time.Now()
	data, err := handle.Fetch(fetchCtx, idx)
	if err != nil {
		outcomeErr = err
		e.failChunk(mt, src, idx, attempt, xerrors.CategoryOf(err), err, log)
		return
	}
	elapsed := time.Since(start)

	if err := mt.t.Manifest.Verify(idx, data); err != nil {
		outcomeErr = err
		e.failChunk(mt, src, idx, attempt, xerrors.CategoryVerification, err, log)
		return
	}

	// Payment-gated write suspension happens after verification but before
	// the bytes land on disk (spec §4.2.3 step 4): a chunk already fetched
	// and verified simply waits here rather than being discarded.
	for mt.sessionID != "" && e.payments.ShouldPause(mt.sessionID) {
		select {
		case <-ctx.Done():
			outcomeErr = ctx.Err()
			return
		case <-mt.resumeCh:
		case <-time.After(schedulerTick):
		}
	}

	offset := mt.t.Manifest.Chunks[idx].Offset
	if err := mt.staging.WriteAt(offset, data); err != nil {
		outcomeErr = err
		e.failChunk(mt, src, idx, attempt, xerrors.CategoryFilesystem, err, log)
		return
	}

	src.tracker.RecordSuccess(elapsed, int64(len(data)))
	mt.t.MarkCompleted(idx)

	if src.markConnected() {
		e.bus.Publish(eventbus.SourceConnectedEvent{Meta: meta(mt.t.TransferID), SourceID: src.source.SourceID, SourceKind: string(src.source.Kind)})
	}

	if mt.sessionID != "" {
		if _, err := e.payments.UpdateProgress(mt.sessionID, mt.t.BytesTransferred()); err != nil {
			log.Warn().Err(err).Str("session_id", mt.sessionID).Msg("payment progress update failed")
		}
	}

	cp := transfer.BuildCheckpoint(mt.t, mt.fileHash, mt.fileName)
	if err := transfer.Persist(mt.t.CheckpointPath, cp); err != nil {
		log.Warn().Err(err).Msg("checkpoint persist failed")
	}

	if e.metrics != nil {
		e.metrics.ChunkOutcomes.WithLabelValues("success").Inc()
		e.metrics.ChunkFetchLatency.Observe(elapsed.Seconds())
		e.metrics.BytesTransferred.Add(float64(len(data)))
	}

	e.bus.Publish(eventbus.ChunkCompletedEvent{Meta: meta(mt.t.TransferID), ChunkIndex: idx, SourceID: src.source.SourceID, Size: int64(len(data))})

	// Spec §4.2.3 step 8: "Emit ChunkCompleted plus a throttled Progress
	// event." Both are published on every chunk; the bus's own throttle
	// (pkg/eventbus/throttle.go) coalesces these to at most one per 2s per
	// transfer.
	bps := float64(0)
	if elapsed > 0 {
		bps = float64(len(data)) / elapsed.Seconds()
	}
	downloaded := mt.t.BytesTransferred()
	total := mt.t.Manifest.FileSize
	e.bus.Publish(eventbus.ProgressEvent{
		Meta:             meta(mt.t.TransferID),
		DownloadedBytes:  downloaded,
		TotalBytes:       total,
		CompletedChunks:  len(mt.t.CompletedIndices()),
		TotalChunks:      mt.t.ChunkCount(),
		ProgressPercent:  eventbus.ProgressPercent(downloaded, total),
		DownloadSpeedBps: bps,
		EtaSeconds:       eventbus.EstimateETASeconds(downloaded, total, bps),
		ActiveSources:    e.activeSourceCount(mt),
	})
	e.bus.Publish(eventbus.SpeedUpdateEvent{Meta: meta(mt.t.TransferID), DownloadSpeedBps: bps})
}

// activeSourceCount returns how many sources are registered for this
// transfer, used as ProgressEvent.ActiveSources.
func (e *Engine) activeSourceCount(mt *managedTransfer) int {
	mt.sourcesMu.Lock()
	defer mt.sourcesMu.Unlock()
	return len(mt.sources)
}

// failChunk records a chunk-fetch failure on both the transfer's chunk
// table and the source's retry tracker, then emits ChunkFailedEvent (spec
// §4.2.5).
func (e *Engine) failChunk(mt *managedTransfer, src *sourceState, idx int, attempt int, category xerrors.Category, cause error, log *zerolog.Logger) {
	src.tracker.RecordFailure(cause)
	mt.t.MarkFailed(idx, attempt, cause.Error())
	log.Debug().Err(cause).Int("chunk", idx).Str("source_id", src.source.SourceID).Msg("chunk fetch failed")
	if e.metrics != nil {
		e.metrics.ChunkOutcomes.WithLabelValues("failure").Inc()
	}
	e.bus.Publish(eventbus.ChunkFailedEvent{
		Meta:          meta(mt.t.TransferID),
		ChunkID:       idx,
		SourceID:      src.source.SourceID,
		SourceType:    string(src.source.Kind),
		Error:         cause.Error(),
		ErrorCategory: string(category),
		WillRetry:     attempt < e.cfg.ChunkMaxAttempts,
		RetryCount:    attempt,
	})
}

// recordOutcomes emits one ReputationVerdict per source touched by this
// transfer to the HealthSignal sink (spec §6.5: "one per completed or
// conclusively failed transfer").
func (e *Engine) recordOutcomes(mt *managedTransfer, success bool) {
	if e.health == nil {
		return
	}
	mt.sourcesMu.Lock()
	sources := append([]*sourceState(nil), mt.sources...)
	mt.sourcesMu.Unlock()
	for _, s := range sources {
		e.health.Record(sourcedir.ReputationVerdict{SourceID: s.source.SourceID, Success: success})
	}
}
