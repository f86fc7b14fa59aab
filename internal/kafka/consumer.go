package kafka

import (
	"context"
	"crypto/tls"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// EventConsumer reads route events back from Kafka.
type EventConsumer struct {
	client *kgo.Client
	logger *zap.Logger
}

func NewEventConsumer(brokers []string, groupID string, topics []string, clientID string, fetchMaxBytes int32, fromStart bool, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*EventConsumer, error) {
	ec := &EventConsumer{logger: logger}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ClientID(clientID),
		kgo.FetchMaxBytes(fetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			logger.Info("event consumer: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			logger.Info("event consumer: partitions revoked")
		}),
	}
	if fromStart {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	ec.client = client
	return ec, nil
}

// Run hands every fetched record to handle and commits offsets after each
// fetch has been handled. It returns when ctx is cancelled.
func (ec *EventConsumer) Run(ctx context.Context, handle func(*kgo.Record)) {
	for {
		fetches := ec.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				ec.logger.Error("event consumer: fetch error",
					zap.String("topic", e.Topic),
					zap.Int32("partition", e.Partition),
					zap.Error(e.Err),
				)
			}
		}

		n := 0
		fetches.EachRecord(func(r *kgo.Record) {
			handle(r)
			ec.client.MarkCommitRecords(r)
			n++
		})
		if n == 0 {
			continue
		}
		if err := ec.client.CommitMarkedOffsets(ctx); err != nil && ctx.Err() == nil {
			ec.logger.Error("event consumer: commit offsets failed", zap.Error(err))
		}
	}
}

func (ec *EventConsumer) Close() {
	ec.client.Close()
}
