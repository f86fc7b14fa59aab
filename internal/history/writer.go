package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

// Publisher is the Kafka side of the writer.
type Publisher interface {
	Publish(ctx context.Context, records []*kgo.Record) error
	Topic() string
}

type Writer struct {
	publisher     Publisher
	logger        *zap.Logger
	storeRawBytes bool
	compressRaw   bool
}

func NewWriter(publisher Publisher, logger *zap.Logger, storeRawBytes, compressRaw bool) *Writer {
	return &Writer{
		publisher:     publisher,
		logger:        logger,
		storeRawBytes: storeRawBytes,
		compressRaw:   compressRaw,
	}
}

// FlushBatch publishes a batch of rows, keyed by peer so one peer's events
// stay ordered within a partition. Returns the number of records written.
func (w *Writer) FlushBatch(ctx context.Context, rows []*Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()
	topic := w.publisher.Topic()

	records := make([]*kgo.Record, 0, len(rows))
	for _, row := range rows {
		ev := *row.Event
		if w.storeRawBytes && row.Raw != nil {
			if w.compressRaw {
				ev.Raw = zstdEncoder.EncodeAll(row.Raw, nil)
				ev.RawCompressed = true
			} else {
				ev.Raw = row.Raw
			}
		}
		value, err := json.Marshal(&ev)
		if err != nil {
			return 0, fmt.Errorf("marshal route event: %w", err)
		}
		records = append(records, &kgo.Record{
			Key:   []byte(ev.PeerAddress),
			Value: value,
		})
	}

	if err := w.publisher.Publish(ctx, records); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("error").Add(float64(len(records)))
		return 0, err
	}

	metrics.EventWriteDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	metrics.EventBatchSize.WithLabelValues(topic).Observe(float64(len(records)))
	metrics.EventsPublishedTotal.WithLabelValues("ok").Add(float64(len(records)))

	return len(records), nil
}

// DecodeRaw returns the UPDATE body carried by ev.
func DecodeRaw(ev *RouteEvent) ([]byte, error) {
	if !ev.RawCompressed {
		return ev.Raw, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(ev.Raw, nil)
}
