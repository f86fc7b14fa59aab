package history

import (
	"context"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/session"
	"go.uber.org/zap"
)

// finalFlushTimeout bounds the flush performed after the context ends.
const finalFlushTimeout = 5 * time.Second

// Pipeline batches route events from every session and flushes them to the
// writer by size or interval.
type Pipeline struct {
	writer        *Writer
	rows          chan []*Row
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
}

func NewPipeline(writer *Writer, batchSize, flushIntervalMs, channelBufferSize int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		writer:        writer,
		rows:          make(chan []*Row, channelBufferSize),
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
	}
}

// Accept queues the routes of one UPDATE. It never blocks the calling
// session: when the queue is full the rows are dropped and counted.
func (p *Pipeline) Accept(_ context.Context, peer session.PeerInfo, upd *bgp.Update) {
	rows := BuildRows(peer, upd, time.Now())
	if len(rows) == 0 {
		return
	}
	select {
	case p.rows <- rows:
	default:
		p.logger.Warn("route event queue full, dropping rows",
			zap.String("peer", peer.Name),
			zap.Int("dropped_rows", len(rows)),
		)
		metrics.EventsPublishedTotal.WithLabelValues("dropped").Add(float64(len(rows)))
	}
}

// Run processes queued rows until context is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	var batch []*Row
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain(ctx, batch)
			return

		case rows := <-p.rows:
			batch = append(batch, rows...)

			if len(batch) >= p.batchSize {
				if p.flush(ctx, batch) {
					batch = nil
				}
			}

			// Cap memory: after repeated flush failures drop the batch
			// once it grows beyond 10x the configured size.
			if len(batch) >= p.batchSize*10 {
				p.logger.Error("dropping oversized batch after repeated flush failures",
					zap.Int("dropped_rows", len(batch)),
				)
				metrics.EventsPublishedTotal.WithLabelValues("dropped").Add(float64(len(batch)))
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				if p.flush(ctx, batch) {
					batch = nil
				}
			}
		}
	}
}

// drain flushes whatever is still buffered once ctx has ended.
func (p *Pipeline) drain(ctx context.Context, batch []*Row) {
	for len(p.rows) > 0 {
		batch = append(batch, <-p.rows...)
	}
	if len(batch) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()
	p.flush(flushCtx, batch)
}

func (p *Pipeline) flush(ctx context.Context, batch []*Row) bool {
	written, err := p.writer.FlushBatch(ctx, batch)
	if err != nil {
		p.logger.Error("route event batch flush failed",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		return false
	}

	p.logger.Debug("route event batch flushed",
		zap.Int("batch_size", len(batch)),
		zap.Int("written", written),
	)
	return true
}
