// Package queue is the durable FIFO task queue consumer: a poll loop
// whose graceful stop is expressed as context cancellation.
package queue

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/discodeploy/disco/pkg/store"
)

type Handler func(ctx context.Context, body string) (result string, err error)

type Consumer struct {
	db           *store.DB
	log          *logrus.Entry
	pollInterval time.Duration
	handlers     map[string]Handler
}

func NewConsumer(db *store.DB, log *logrus.Entry, pollInterval time.Duration) *Consumer {
	return &Consumer{db: db, log: log, pollInterval: pollInterval, handlers: map[string]Handler{}}
}

func (c *Consumer) Register(name string, h Handler) {
	c.handlers[name] = h
}

// Work polls every pollInterval, claiming and dispatching tasks until ctx
// is cancelled.
func (c *Consumer) Work(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainOnce(ctx)
		}
	}
}

func (c *Consumer) drainOnce(ctx context.Context) {
	for {
		task, err := c.db.ClaimNext(ctx)
		if err != nil {
			c.log.WithError(err).Error("claiming next task")
			return
		}
		if task == nil {
			return
		}
		c.dispatch(ctx, task)
	}
}

func (c *Consumer) dispatch(ctx context.Context, task *store.Task) {
	logger := c.log.WithFields(logrus.Fields{"task": task.ID, "name": task.Name})
	handler, ok := c.handlers[task.Name]
	if !ok {
		logger.Error("no handler registered")
		c.db.Fail(ctx, task.ID, `{"reason":"EXCEPTION","detail":"no handler"}`)
		return
	}

	result, err := c.invoke(logger, handler, ctx, task.Body)
	if err != nil {
		logger.WithError(err).Warn("task failed")
		c.db.Fail(ctx, task.ID, `{"reason":"EXCEPTION"}`)
		return
	}
	if err := c.db.Complete(ctx, task.ID, result); err != nil {
		logger.WithError(err).Error("marking task complete")
	}
}

// invoke converts a handler panic into the same FAILED/{"reason":"EXCEPTION"}
// outcome an unhandled handler error produces.
func (c *Consumer) invoke(logger *logrus.Entry, h Handler, ctx context.Context, body string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("task handler panicked")
			err = errPanicked
		}
	}()
	return h(ctx, body)
}

var errPanicked = panicError{}

type panicError struct{}

func (panicError) Error() string { return "task handler panicked" }
