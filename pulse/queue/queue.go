// Package queue provides in-process work queues with competing consumers.
//
// Every listener added to a Queue runs in its own goroutine and pulls from
// the same buffer, so N listeners means N concurrent workers. A message is
// delivered to exactly one listener.
package queue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/logger"
)

// DefaultBufferSize is used when a queue is created with a non-positive buffer
const DefaultBufferSize = 256

// ErrClosed is returned by Post after Stop
var ErrClosed = errors.New("queue is closed")

// ErrFull is returned by TryPost when every buffer slot is taken
var ErrFull = errors.New("queue is full")

// Consumer handles messages pulled from a queue
type Consumer[T any] interface {
	OnMessage(ctx context.Context, msg T) error
}

// ConsumerFunc adapts a function to Consumer
type ConsumerFunc[T any] func(ctx context.Context, msg T) error

// OnMessage calls f(ctx, msg)
func (f ConsumerFunc[T]) OnMessage(ctx context.Context, msg T) error {
	return f(ctx, msg)
}

// Poster is the producer side of a queue
type Poster[T any] interface {
	Post(ctx context.Context, msg T) error
}

// TryPoster enqueues without waiting. Producers running inside a consumer
// use it so a full buffer cannot stall the worker that would drain it.
type TryPoster[T any] interface {
	TryPost(msg T) error
}

// Queue is a buffered in-process queue
type Queue[T any] struct {
	name      string
	messages  chan T
	listeners []Consumer[T]
	log       *zap.SugaredLogger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  chan struct{}
	once    sync.Once
}

// New creates a queue. buffer is the number of pending messages Post accepts
// before it blocks.
func New[T any](name string, buffer int, log *zap.SugaredLogger) *Queue[T] {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if log == nil {
		log = logger.Logger
	}
	return &Queue[T]{
		name:     name,
		messages: make(chan T, buffer),
		log:      logger.AddPulseSymbol(log.Named("queue").With(logger.FieldQueue, name)),
		closed:   make(chan struct{}),
	}
}

// Name returns the queue name
func (q *Queue[T]) Name() string {
	return q.name
}

// Len returns the number of messages waiting for a consumer
func (q *Queue[T]) Len() int {
	return len(q.messages)
}

// Post enqueues msg. Blocks while the buffer is full until ctx is done.
func (q *Queue[T]) Post(ctx context.Context, msg T) error {
	select {
	case <-q.closed:
		return errors.WithDetail(ErrClosed, fmt.Sprintf("Queue: %s", q.name))
	default:
	}

	select {
	case q.messages <- msg:
		return nil
	case <-q.closed:
		return errors.WithDetail(ErrClosed, fmt.Sprintf("Queue: %s", q.name))
	case <-ctx.Done():
		err := errors.Wrapf(ctx.Err(), "post to %s queue", q.name)
		err = errors.WithDetail(err, fmt.Sprintf("Pending messages: %d", len(q.messages)))
		return err
	}
}

// TryPost enqueues msg, or returns ErrFull at once when the buffer is full
func (q *Queue[T]) TryPost(msg T) error {
	select {
	case <-q.closed:
		return errors.WithDetail(ErrClosed, fmt.Sprintf("Queue: %s", q.name))
	default:
	}

	select {
	case q.messages <- msg:
		return nil
	default:
		return errors.WithDetail(ErrFull, fmt.Sprintf("Queue: %s", q.name))
	}
}

// AddListener registers a competing consumer. Listeners added after Start
// begin consuming immediately.
func (q *Queue[T]) AddListener(c Consumer[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.listeners = append(q.listeners, c)
	if q.started {
		q.spawn(len(q.listeners)-1, c)
	}
}

// Start launches one goroutine per listener. Cancelling ctx stops them.
func (q *Queue[T]) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.started = true
	for i, c := range q.listeners {
		q.spawn(i, c)
	}
	q.log.Debugw("Queue started", "listeners", len(q.listeners))
}

// spawn must be called with mu held
func (q *Queue[T]) spawn(id int, c Consumer[T]) {
	q.wg.Add(1)
	go q.consume(id, c)
}

func (q *Queue[T]) consume(id int, c Consumer[T]) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.closed:
			return
		case msg := <-q.messages:
			q.deliver(id, c, msg)
		}
	}
}

// deliver isolates consumer faults so one bad message cannot kill the worker
func (q *Queue[T]) deliver(id int, c Consumer[T], msg T) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorw("Queue consumer panicked",
				"worker_id", id,
				"panic", r)
		}
	}()

	if err := c.OnMessage(q.ctx, msg); err != nil {
		q.log.Warnw("Queue consumer returned error",
			"worker_id", id,
			logger.FieldError, err)
	}
}

// Stop closes the queue and waits for in-flight deliveries to return.
// Messages still buffered are dropped.
func (q *Queue[T]) Stop() {
	q.once.Do(func() {
		close(q.closed)
	})

	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()

	if pending := len(q.messages); pending > 0 {
		q.log.Warnw("Queue stopped with pending messages", logger.FieldCount, pending)
	}
}
