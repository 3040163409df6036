package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"matchpay/internal/logger"
	"matchpay/internal/metrics"
)

const (
	queueKey    = "ledger:events"
	failedKey   = "ledger:events:failed"
	maxAttempts = 3
)

type job struct {
	Event   Event     `json:"event"`
	Tries   int       `json:"tries"`
	Created time.Time `json:"created"`
}

// Sink is the downstream a Dispatcher delivers queued events to.
type Sink interface {
	Deliver(ctx context.Context, evt Event) error
}

// Queue is a Redis list backed Publisher. Events are drained by a Dispatcher.
type Queue struct {
	redis *redis.Client
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{redis: rdb}
}

func (q *Queue) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(job{Event: evt, Created: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := q.redis.LPush(ctx, queueKey, string(data)).Err(); err != nil {
		return fmt.Errorf("queue event %s: %w", evt.Type, err)
	}
	return nil
}

func (q *Queue) Length(ctx context.Context) int64 {
	length, _ := q.redis.LLen(ctx, queueKey).Result()
	return length
}

type Dispatcher struct {
	redis      *redis.Client
	sink       Sink
	retryDelay time.Duration
	popTimeout time.Duration
}

func NewDispatcher(rdb *redis.Client, sink Sink) *Dispatcher {
	return &Dispatcher{redis: rdb, sink: sink, retryDelay: 2 * time.Second, popTimeout: 2 * time.Second}
}

func (d *Dispatcher) Start(ctx context.Context) {
	logger.Info("Event dispatcher started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Event dispatcher stopped")
			return
		default:
			d.processNext(ctx)
		}
	}
}

// processNext delivers one queued event. It reports whether an event was
// taken off the queue.
func (d *Dispatcher) processNext(ctx context.Context) bool {
	result, err := d.redis.BRPop(ctx, d.popTimeout, queueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			logger.Warn("event queue pop failed", "error", err)
			time.Sleep(d.retryDelay)
		}
		return false
	}

	var j job
	if err := json.Unmarshal([]byte(result[1]), &j); err != nil {
		logger.Errorf("Bad event data: %v", err)
		return true
	}

	j.Tries++
	if err := d.sink.Deliver(ctx, j.Event); err != nil {
		logger.Error("event delivery failed", "event_type", j.Event.Type, "attempt", j.Tries, "error", err)

		if j.Tries < maxAttempts {
			rerr := d.requeue(j)
			if rerr == nil {
				return true
			}
			logger.Error("event requeue failed, dead-lettering", "event_id", j.Event.ID, "error", rerr)
		}
		if ferr := d.saveFailed(j, err); ferr != nil {
			logger.Error("event dropped", "event_id", j.Event.ID, "event_type", j.Event.Type, "owner_id", j.Event.OwnerID, "error", ferr)
		}
		return true
	}

	metrics.EventQueueLength.Set(float64(d.redis.LLen(ctx, queueKey).Val()))
	return true
}

func (d *Dispatcher) requeue(j job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return d.redis.LPush(context.Background(), queueKey, string(data)).Err()
}

func (d *Dispatcher) saveFailed(j job, cause error) error {
	failed := map[string]interface{}{
		"job":   j,
		"error": cause.Error(),
		"time":  time.Now(),
	}
	data, err := json.Marshal(failed)
	if err != nil {
		return err
	}
	if err := d.redis.LPush(context.Background(), failedKey, string(data)).Err(); err != nil {
		return fmt.Errorf("save failed event: %w", err)
	}
	logger.Error("event moved to failed queue", "event_id", j.Event.ID, "event_type", j.Event.Type)
	return nil
}
