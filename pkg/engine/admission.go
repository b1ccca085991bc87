package engine

import (
	"context"
	"time"

	"github.com/chiral-network/transfer-core/internal/xerrors"
	"github.com/chiral-network/transfer-core/pkg/chunks"
	"github.com/chiral-network/transfer-core/pkg/eventbus"
	"github.com/chiral-network/transfer-core/pkg/protocol"
	"github.com/chiral-network/transfer-core/pkg/tracing"
	"github.com/chiral-network/transfer-core/pkg/transfer"
)

// admit implements spec §4.2.1: resolve sources, obtain a manifest, open or
// restore the staging file, load a matching checkpoint, and emit Queued
// then Started. A span covers the whole call (DESIGN.md: "spans around
// admission, each chunk fetch, and finalize"); it ends here on failure, or
// is carried on the managedTransfer to end at finalize/fail on success.
func (e *Engine) admit(ctx context.Context, transferID string, req StartRequest) (*managedTransfer, error) {
	spanStart := time.Now()
	ctx, span := e.tracer.StartTransferSpan(ctx, transferID, req.ContentID.String())
	fail := func(err error) (*managedTransfer, error) {
		tracing.RecordOutcome(span, spanStart, err)
		return nil, err
	}

	sources, err := e.directory.Lookup(req.ContentID.String())
	if err != nil {
		return fail(xerrors.Wrap(xerrors.CategoryNoSources, "source directory lookup failed", err))
	}
	if len(sources) == 0 {
		return fail(xerrors.New(xerrors.CategoryNoSources, "source directory returned no sources").WithField("content_id", req.ContentID.String()))
	}

	manifest, err := e.obtainManifest(ctx, sources, req.ContentID.String())
	if err != nil {
		return fail(err)
	}

	t := transfer.New(transferID, req.ContentID, manifest, req.OutputPath, req.Priority)
	t.RarestFirst = req.RarestFirst

	staging, err := transfer.OpenStaging(t.StagingPath, manifest.FileSize)
	if err != nil {
		return fail(err)
	}

	if cp, err := transfer.Load(t.CheckpointPath); err == nil && cp != nil {
		digest := manifest.Digest()
		if cp.MatchesManifest(digest) {
			for _, idx := range cp.ReceivedChunks {
				t.RestoreCompleted(idx)
			}
		}
	}

	mt := &managedTransfer{
		t:        t,
		done:     make(chan struct{}),
		resumeCh: make(chan struct{}, 1),
		fileHash: req.FileHash,
		fileName: req.FileName,
	}
	mt.staging = staging

	for _, src := range sources {
		handler, err := e.manager.Detect(src.Address)
		if err != nil {
			e.log.Debug().Str("source_id", src.SourceID).Str("address", src.Address).Msg("no handler detected for announced source, skipping")
			continue
		}
		tracker := e.retries.GetOrCreate(src.SourceID)
		mt.sources = append(mt.sources, &sourceState{source: src, handler: handler, tracker: tracker})
	}
	if len(mt.sources) == 0 {
		staging.Close()
		return fail(xerrors.New(xerrors.CategoryNoSources, "no registered handler supports any announced source"))
	}

	if req.PaymentMode != "" && req.PricePerMB > 0 {
		sessionID := transferID + "-payment"
		seederSourceID := mt.sources[0].source.SourceID
		if _, err := e.payments.Init(sessionID, req.ContentID.String(), manifest.FileSize, seederSourceID, req.SeederAddress, req.PricePerMB, req.PaymentMode); err != nil {
			staging.Close()
			return fail(xerrors.Wrap(xerrors.CategoryUnknown, "payment session init failed", err))
		}
		mt.sessionID = sessionID
	}

	mt.span = span
	mt.spanStart = spanStart

	if e.metrics != nil {
		e.metrics.ActiveTransfers.Inc()
		e.metrics.SourcesPerTransfer.Observe(float64(len(mt.sources)))
	}

	e.bus.Publish(eventbus.QueuedEvent{
		Meta:             meta(transferID),
		FileHash:         req.FileHash,
		FileName:         req.FileName,
		FileSize:         manifest.FileSize,
		OutputPath:       req.OutputPath,
		Priority:         string(req.Priority),
		QueuePosition:    0,
		EstimatedSources: len(mt.sources),
	})
	t.SetStatus(transfer.StatusStarted)
	e.bus.Publish(eventbus.StartedEvent{Meta: meta(transferID), TotalChunks: t.ChunkCount()})

	return mt, nil
}

// obtainManifest requests a ChunkManifest from any handler that can serve
// content_id, retrying up to ManifestRetries sources (spec §4.2.1). The
// first accepted manifest wins; a disagreeing later source is not consulted
// here (spec §4.2.5's manifest-mismatch handling applies to chunk fetches,
// not admission).
func (e *Engine) obtainManifest(ctx context.Context, sources []transfer.Source, contentID string) (*chunks.ChunkManifest, error) {
	attempts := 0
	var lastErr error
	for _, src := range sources {
		if attempts >= e.cfg.ManifestRetries {
			break
		}
		handler, err := e.manager.Detect(src.Address)
		if err != nil {
			continue
		}
		attempts++
		handle, err := handler.Download(ctx, src.Address, protocol.DownloadOptions{}, e.bus)
		if err != nil {
			lastErr = err
			continue
		}
		manifest, err := handle.Manifest(ctx)
		handle.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return manifest, nil
	}
	if lastErr == nil {
		lastErr = xerrors.New(xerrors.CategoryNoSources, "no source produced a usable manifest").WithField("content_id", contentID)
	}
	return nil, lastErr
}
