package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"flashmart/internal/log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Verdict is the consumer's decision for one message.
type Verdict int

const (
	Ack Verdict = iota
	Retry
	DeadLetter
)

// Message is one commit request. Attempts and NotBefore drive the
// bounded redelivery: a retried message is requeued with a doubled
// delay until the ceiling routes it to the dead-letter handler.
type Message struct {
	ID         string          `json:"id"`
	Key        string          `json:"key"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	NotBefore  time.Time       `json:"not_before"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one message. The returned error is recorded on
// retry and dead-letter verdicts.
type Handler func(ctx context.Context, msg Message) (Verdict, error)

// DeadLetterHandler persists a message that exhausted its retries. It
// must not fail the message again; an error here requeues the message
// so the obligation is never dropped.
type DeadLetterHandler func(ctx context.Context, msg Message, lastError string) error

// Queue is a key-ordered commit channel over Redis lists. Messages
// sharing a partition key land on the same list and are consumed by
// exactly one goroutine, in enqueue order.
type Queue struct {
	rdb        *redis.Client
	partitions int
	batchSize  int
	pollPeriod time.Duration
	maxRetries int
	backoff    time.Duration
	handler    Handler
	deadLetter DeadLetterHandler
	logger     *log.Logger
}

func New(rdb *redis.Client, partitions, batchSize int, pollPeriod time.Duration,
	maxRetries int, backoff time.Duration, handler Handler, deadLetter DeadLetterHandler,
	logger *log.Logger) *Queue {
	return &Queue{
		rdb:        rdb,
		partitions: partitions,
		batchSize:  batchSize,
		pollPeriod: pollPeriod,
		maxRetries: maxRetries,
		backoff:    backoff,
		handler:    handler,
		deadLetter: deadLetter,
		logger:     logger,
	}
}

// Partition maps a key to its partition. All messages for one key are
// serialized on one consumer.
func (q *Queue) Partition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(q.partitions))
}

func (q *Queue) partitionKey(p int) string {
	return fmt.Sprintf("alloc:queue:%d", p)
}

// Publish appends a message to the partition for key.
func (q *Queue) Publish(ctx context.Context, key, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	msg := Message{
		ID:         uuid.NewString(),
		Key:        key,
		Topic:      topic,
		Payload:    data,
		EnqueuedAt: time.Now(),
	}
	return q.push(ctx, msg)
}

func (q *Queue) push(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.partitionKey(q.Partition(msg.Key)), data).Err(); err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	return nil
}

// Depth reports the number of pending messages on a partition.
func (q *Queue) Depth(ctx context.Context, partition int) (int64, error) {
	return q.rdb.LLen(ctx, q.partitionKey(partition)).Result()
}

// Run starts one consumer per partition and blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	done := make(chan struct{})
	for p := 0; p < q.partitions; p++ {
		go func(p int) {
			defer func() { done <- struct{}{} }()
			q.consume(ctx, p)
		}(p)
	}
	for p := 0; p < q.partitions; p++ {
		<-done
	}
	q.logger.Info("Commit queue shut down")
}

func (q *Queue) consume(ctx context.Context, partition int) {
	key := q.partitionKey(partition)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		items, err := q.rdb.LPopCount(ctx, key, q.batchSize).Result()
		if err != nil && err != redis.Nil {
			q.logger.Error("Failed to pop commit batch", zap.Int("partition", partition), zap.Error(err))
			q.sleep(ctx)
			continue
		}
		if len(items) == 0 {
			q.sleep(ctx)
			continue
		}

		deferred := 0
		for _, item := range items {
			var msg Message
			if err := json.Unmarshal([]byte(item), &msg); err != nil {
				q.logger.Error("Dropping malformed commit message", zap.Int("partition", partition), zap.Error(err))
				continue
			}
			if q.process(ctx, msg) {
				deferred++
			}
		}
		if deferred == len(items) {
			// Nothing was runnable yet; back off instead of spinning.
			q.sleep(ctx)
		}
	}
}

// process handles one message and reports whether it was deferred.
func (q *Queue) process(ctx context.Context, msg Message) bool {
	if time.Now().Before(msg.NotBefore) {
		if err := q.push(ctx, msg); err != nil {
			q.logger.Error("Failed to requeue deferred message", zap.String("id", msg.ID), zap.Error(err))
		}
		return true
	}

	verdict, herr := q.handler(ctx, msg)
	switch verdict {
	case Ack:
		return false
	case DeadLetter:
		q.routeDeadLetter(ctx, msg, herr)
		return false
	default:
		msg.Attempts++
		if msg.Attempts >= q.maxRetries {
			q.routeDeadLetter(ctx, msg, herr)
			return false
		}
		msg.NotBefore = time.Now().Add(q.backoff * time.Duration(1<<msg.Attempts))
		if err := q.push(ctx, msg); err != nil {
			q.logger.Error("Failed to requeue message for retry", zap.String("id", msg.ID), zap.Error(err))
		}
		q.logger.Warn("Commit message retried",
			zap.String("id", msg.ID),
			zap.Int("attempts", msg.Attempts),
			zap.Error(herr))
		return false
	}
}

func (q *Queue) routeDeadLetter(ctx context.Context, msg Message, herr error) {
	reason := "retries exhausted"
	if herr != nil {
		reason = herr.Error()
	}
	if err := q.deadLetter(ctx, msg, reason); err != nil {
		// The dead-letter record must not be lost; put the message
		// back and try again next pass.
		q.logger.Error("Dead-letter handler failed, requeueing", zap.String("id", msg.ID), zap.Error(err))
		if perr := q.push(ctx, msg); perr != nil {
			q.logger.Error("Failed to requeue dead-letter message", zap.String("id", msg.ID), zap.Error(perr))
		}
		return
	}
	q.logger.Error("Commit message dead-lettered",
		zap.String("id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.String("reason", reason))
}

func (q *Queue) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(q.pollPeriod):
	}
}
