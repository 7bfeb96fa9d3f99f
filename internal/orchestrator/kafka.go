package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/json"
	"github.com/ajitpratap0/opsflow/pkg/logger"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// KafkaQueue carries tasks as JSON messages on a Kafka topic. Every
// process running a consumer in the same group shares the work; the run id
// is the message key so retries of a run land on one partition.
type KafkaQueue struct {
	cfg      config.QueueConfig
	producer sarama.SyncProducer
	newGroup func() (sarama.ConsumerGroup, error)
	cb       callbacks
	logger   *zap.Logger

	mu      sync.Mutex
	group   sarama.ConsumerGroup
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

func saramaConfig(cfg config.QueueConfig) *sarama.Config {
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 5
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true
	return sc
}

// NewKafkaQueue connects a sync producer to cfg.Brokers. The consumer
// group is created by Start.
func NewKafkaQueue(cfg config.QueueConfig, l *zap.Logger) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.Group == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka queue requires brokers, topic and group")
	}
	sc := saramaConfig(cfg)
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create kafka producer")
	}
	return newKafkaQueue(cfg, producer, func() (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(cfg.Brokers, cfg.Group, sc)
	}, l), nil
}

func newKafkaQueue(cfg config.QueueConfig, p sarama.SyncProducer, group func() (sarama.ConsumerGroup, error), l *zap.Logger) *KafkaQueue {
	return &KafkaQueue{cfg: cfg, producer: p, newGroup: group, logger: logger.OrDefault(l, "kafka_queue")}
}

// Enqueue implements TaskQueue.
func (q *KafkaQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCancelled, "enqueue cancelled")
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}
	value, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode task")
	}
	partition, offset, err := q.producer.SendMessage(&sarama.ProducerMessage{
		Topic: q.cfg.Topic,
		Key:   sarama.StringEncoder(t.RunID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("job_type"), Value: []byte(t.JobType)},
		},
		Timestamp: t.EnqueuedAt,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to publish task").WithDetail("run_id", t.RunID)
	}
	q.logger.Debug("task published",
		zap.String("run_id", t.RunID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// OnComplete implements TaskQueue.
func (q *KafkaQueue) OnComplete(fn func(TaskResult)) { q.cb.add(fn) }

// Start implements TaskQueue.
func (q *KafkaQueue) Start(ctx context.Context, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.group != nil {
		return errors.New(errors.ErrorTypeOrchestration, "task queue already started")
	}
	group, err := q.newGroup()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create kafka consumer group")
	}
	q.group = group
	q.handler = h
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.consume(ctx)
	q.logger.Info("kafka task consumer started", zap.String("topic", q.cfg.Topic), zap.String("group", q.cfg.Group))
	return nil
}

func (q *KafkaQueue) consume(ctx context.Context) {
	defer close(q.done)
	go func() {
		for err := range q.group.Errors() {
			q.logger.Error("consumer group error", zap.Error(err))
		}
	}()
	for {
		// Consume returns on every rebalance
		if err := q.group.Consume(ctx, []string{q.cfg.Topic}, q); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			q.logger.Error("consume failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Setup implements sarama.ConsumerGroupHandler.
func (q *KafkaQueue) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler.
func (q *KafkaQueue) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim implements sarama.ConsumerGroupHandler. A message is marked
// only after its completion callbacks ran.
func (q *KafkaQueue) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			var t Task
			if err := json.Unmarshal(msg.Value, &t); err != nil {
				q.logger.Error("dropping undecodable task",
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				session.MarkMessage(msg, "")
				continue
			}
			q.cb.fire(q.handler(session.Context(), t))
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// Close implements TaskQueue.
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	group, cancel, done := q.group, q.cancel, q.done
	q.mu.Unlock()

	var result *multierror.Error
	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		<-done
	}
	if err := q.producer.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close kafka queue")
	}
	return nil
}
