package rag

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"book-rag/internal/config"
)

const opEnsureReady = "ensure_ready"

// Guard makes sure the vector index has content before it is queried. When
// the index is empty it runs the ingester once, shared by every caller that
// observed the empty index at the same time.
type Guard struct {
	index    Index
	ingester Ingester
	timeout  time.Duration
	observer Observer
	group    singleflight.Group
}

// NewGuard returns a guard over index. A nil ingester means an empty index is
// reported as unavailable without any ingestion attempt.
func NewGuard(index Index, ingester Ingester, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = config.DefaultIngestTimeout
	}
	return &Guard{
		index:    index,
		ingester: ingester,
		timeout:  timeout,
		observer: nopObserver{},
	}
}

// WithObserver sets the observer notified of ingestion runs.
func (g *Guard) WithObserver(o Observer) *Guard {
	if o != nil {
		g.observer = o
	}
	return g
}

// EnsureReady returns nil when the index holds at least one chunk. It may
// block for as long as the ingestion timeout; callers should not hold locks
// across it.
func (g *Guard) EnsureReady(ctx context.Context) error {
	count, err := g.index.Count(ctx)
	if err == nil && count > 0 {
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Msg("Vector index count failed, treating index as empty")
	}
	if g.ingester == nil {
		return newError(KindIndexUnavailable, opEnsureReady, "no data available in the vector index", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return newError(KindIndexUnavailable, opEnsureReady, "cancelled before ingestion", ctxErr)
	}

	ch := g.group.DoChan("ingest", func() (any, error) {
		return nil, g.ingest(ctx)
	})
	select {
	case <-ctx.Done():
		return newError(KindIndexUnavailable, opEnsureReady, "gave up waiting for ingestion", ctx.Err())
	case res := <-ch:
		return res.Err
	}
}

func (g *Guard) ingest(parent context.Context) error {
	// The run outlives the caller that started it: other callers may be
	// waiting on the same flight.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), g.timeout)
	defer cancel()

	if count, err := g.index.Count(ctx); err == nil && count > 0 {
		return nil
	}

	start := time.Now()
	log.Info().Dur("timeout", g.timeout).Msg("Vector index is empty, running ingestion")
	if err := g.ingester.Ingest(ctx); err != nil {
		g.observer.ObserveIngestion("failed", time.Since(start))
		log.Error().Err(err).Msg("Ingestion failed")
		return newError(KindIndexUnavailable, opEnsureReady, "ingestion failed", err)
	}

	count, err := g.index.Count(ctx)
	if err != nil {
		g.observer.ObserveIngestion("failed", time.Since(start))
		return newError(KindIndexUnavailable, opEnsureReady, "vector index unreachable after ingestion", err)
	}
	if count == 0 {
		g.observer.ObserveIngestion("empty", time.Since(start))
		return newError(KindIndexUnavailable, opEnsureReady, "no data available in the vector index after ingestion", nil)
	}
	g.observer.ObserveIngestion("ok", time.Since(start))
	log.Info().Int("count", count).Dur("elapsed", time.Since(start)).Msg("Ingestion completed")
	return nil
}
