package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/driftlock/muster/backoff"
)

const (
	defaultStream        = "muster:tasks"
	defaultGroup         = "muster-workers"
	defaultBlock         = 5 * time.Second
	defaultClaimMinIdle  = 10 * time.Minute
	defaultClaimInterval = time.Minute
)

var _ Queue = (*RedisQueue)(nil)

// RedisQueue publishes tasks to a Redis Stream for consumption by
// RedisConsumer instances in other processes. The queue does not own
// the client; the caller manages its lifecycle.
type RedisQueue struct {
	client goredis.Cmdable
	stream string
}

// RedisQueueOption configures a RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithQueueStream sets the stream tasks are published to.
func WithQueueStream(stream string) RedisQueueOption {
	return func(q *RedisQueue) { q.stream = stream }
}

// NewRedisQueue creates a producer publishing to the task stream.
func NewRedisQueue(client goredis.Cmdable, opts ...RedisQueueOption) *RedisQueue {
	q := &RedisQueue{
		client: client,
		stream: defaultStream,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit appends the task to the stream. Redis Streams have no
// capacity ceiling here, so Submit never reports ErrQueueFull.
func (q *RedisQueue) Submit(ctx context.Context, t *Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("taskqueue/redis: marshal task: %w", err)
	}

	err = q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"task": string(raw)},
	}).Err()
	if err != nil {
		return fmt.Errorf("taskqueue/redis: publish task for job %q: %w", t.JobName, err)
	}
	return nil
}

// RedisConsumer reads tasks from the stream as part of a consumer
// group and runs them on the local executor. Messages are acknowledged
// once the executor returns, regardless of handler outcome: results
// live in the store, and failed handlers are not retried by
// redelivery. Entries left pending by a consumer that died mid-task
// are reclaimed with XAUTOCLAIM; the executor's start guard makes the
// redelivery safe.
type RedisConsumer struct {
	client        goredis.Cmdable
	executor      *Executor
	stream        string
	group         string
	consumer      string
	block         time.Duration
	claimMinIdle  time.Duration
	claimInterval time.Duration
	retry         backoff.Strategy
	logger        *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// RedisConsumerOption configures a RedisConsumer.
type RedisConsumerOption func(*RedisConsumer)

// WithConsumerStream sets the stream to read tasks from.
func WithConsumerStream(stream string) RedisConsumerOption {
	return func(c *RedisConsumer) { c.stream = stream }
}

// WithConsumerGroup sets the consumer group name. All workers sharing
// a group split the stream between them.
func WithConsumerGroup(group string) RedisConsumerOption {
	return func(c *RedisConsumer) { c.group = group }
}

// WithConsumerName sets this consumer's name within the group. The
// default is hostname-pid.
func WithConsumerName(name string) RedisConsumerOption {
	return func(c *RedisConsumer) { c.consumer = name }
}

// WithBlock sets how long each read blocks waiting for a task.
func WithBlock(d time.Duration) RedisConsumerOption {
	return func(c *RedisConsumer) { c.block = d }
}

// WithClaimMinIdle sets how long a pending entry must sit idle before
// it is reclaimed from its original consumer. Zero disables
// reclaiming.
func WithClaimMinIdle(d time.Duration) RedisConsumerOption {
	return func(c *RedisConsumer) { c.claimMinIdle = d }
}

// WithClaimInterval sets how often the consumer scans for reclaimable
// pending entries.
func WithClaimInterval(d time.Duration) RedisConsumerOption {
	return func(c *RedisConsumer) { c.claimInterval = d }
}

// WithConsumerBackoff sets the pacing applied between read retries when
// the broker is unreachable.
func WithConsumerBackoff(s backoff.Strategy) RedisConsumerOption {
	return func(c *RedisConsumer) { c.retry = s }
}

// WithConsumerLogger sets the consumer's logger.
func WithConsumerLogger(l *slog.Logger) RedisConsumerOption {
	return func(c *RedisConsumer) { c.logger = l }
}

// NewRedisConsumer creates a consumer that runs stream tasks on the
// given executor.
func NewRedisConsumer(client goredis.Cmdable, executor *Executor, opts ...RedisConsumerOption) *RedisConsumer {
	c := &RedisConsumer{
		client:        client,
		executor:      executor,
		stream:        defaultStream,
		group:         defaultGroup,
		consumer:      defaultConsumerName(),
		block:         defaultBlock,
		claimMinIdle:  defaultClaimMinIdle,
		claimInterval: defaultClaimInterval,
		retry:         backoff.DefaultStrategy(),
		logger:        slog.Default(),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start creates the consumer group if needed and launches the read and
// reclaim loops. It returns immediately.
func (c *RedisConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("taskqueue/redis: create consumer group %q: %w", c.group, err)
	}
	c.running = true

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.logger.Info("redis consumer starting",
		slog.String("stream", c.stream),
		slog.String("group", c.group),
		slog.String("consumer", c.consumer),
	)

	c.wg.Add(1)
	go c.readLoop(runCtx)

	if c.claimMinIdle > 0 {
		c.wg.Add(1)
		go c.claimLoop(runCtx)
	}
	return nil
}

// Stop signals the loops to exit and waits for them. If the context
// expires first, blocked reads and in-flight handlers are canceled.
func (c *RedisConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Info("redis consumer stopping", slog.String("consumer", c.consumer))
	close(c.stopCh)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("redis consumer stopped gracefully")
	case <-ctx.Done():
		c.logger.Warn("redis consumer shutdown timed out, cancelling in-flight tasks")
		cancel()
		c.wg.Wait()
	}
	cancel()
	return nil
}

// readLoop blocks on the stream and runs each delivered task.
// Consecutive read failures back off so a fleet of consumers does not
// hammer a recovering broker.
func (c *RedisConsumer) readLoop(ctx context.Context) {
	defer c.wg.Done()

	failures := 0
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		res, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    1,
			Block:    c.block,
		}).Result()
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, goredis.Nil):
			// Block window expired with nothing to read.
			failures = 0
			continue
		case errors.Is(err, context.Canceled):
			return
		default:
			failures++
			delay := c.retry.Delay(failures)
			c.logger.Error("redis read failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
			sleepCtx(ctx, delay)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

// claimLoop periodically reclaims pending entries abandoned by dead
// consumers and re-runs them.
func (c *RedisConsumer) claimLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.claimStale(ctx)
		}
	}
}

func (c *RedisConsumer) claimStale(ctx context.Context) {
	start := "0-0"
	for {
		msgs, next, err := c.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.claimMinIdle,
			Start:    start,
			Count:    16,
		}).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("redis autoclaim failed", slog.String("error", err.Error()))
			}
			return
		}

		for _, msg := range msgs {
			c.handle(ctx, msg)
		}

		if len(msgs) == 0 || next == "0-0" {
			return
		}
		start = next
	}
}

// handle decodes and executes one message, then acknowledges it.
// Malformed messages are logged and acknowledged so they do not
// redeliver forever.
func (c *RedisConsumer) handle(ctx context.Context, msg goredis.XMessage) {
	t, err := taskFromMessage(msg)
	if err != nil {
		c.logger.Error("dropping malformed task message",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		c.ack(ctx, msg.ID)
		return
	}

	if err := c.executor.Execute(ctx, t); err != nil {
		c.logger.Debug("task execution failed",
			slog.String("task_id", t.ID.String()),
			slog.String("job_name", t.JobName),
			slog.String("error", err.Error()),
		)
	}

	c.ack(ctx, msg.ID)
}

func (c *RedisConsumer) ack(ctx context.Context, msgID string) {
	if err := c.client.XAck(ctx, c.stream, c.group, msgID).Err(); err != nil {
		c.logger.Warn("failed to ack task message",
			slog.String("message_id", msgID),
			slog.String("error", err.Error()),
		)
	}
}

func taskFromMessage(msg goredis.XMessage) (*Task, error) {
	raw, ok := msg.Values["task"]
	if !ok {
		return nil, fmt.Errorf("taskqueue/redis: message %s has no task field", msg.ID)
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("taskqueue/redis: message %s task field is %T", msg.ID, raw)
	}

	var t Task
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return nil, fmt.Errorf("taskqueue/redis: decode task: %w", err)
	}
	return &t, nil
}

// isBusyGroup reports the XGROUP CREATE error for a group that already
// exists, which is fine: every worker races to create it at startup.
func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "muster"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// sleepCtx sleeps for the given duration, or returns early if the
// context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
