// Package events publishes relay lifecycle and detection events to external brokers.
package events

import (
	"context"
	"errors"
	"time"

	"robotrelay/internal/logger"
)

const (
	KindSessionConnected    = "session_connected"
	KindSessionDisconnected = "session_disconnected"
	KindDetection           = "detection"
	KindCommandResponse     = "command_response"
)

type Event struct {
	Kind      string    `json:"kind"`
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

func New(kind, clientID string, data any) Event {
	return Event{Kind: kind, ClientID: clientID, Timestamp: time.Now(), Data: data}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Fanout publishes to every wrapped publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async hands events to a single background worker through a bounded queue.
// When the queue is full the event is dropped so callers never block on a broker.
type Async struct {
	next    Publisher
	queue   chan Event
	logger  *logger.Logger
	timeout time.Duration
	done    chan struct{}
}

func NewAsync(next Publisher, size int, log *logger.Logger) *Async {
	if size <= 0 {
		size = 100
	}
	return &Async{
		next:    next,
		queue:   make(chan Event, size),
		logger:  log,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Run publishes queued events until ctx is cancelled. Events still queued
// at that point are flushed before Run returns.
func (a *Async) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			a.flush()
			return
		case event := <-a.queue:
			a.publish(ctx, event)
		}
	}
}

func (a *Async) flush() {
	for {
		select {
		case event := <-a.queue:
			a.publish(context.Background(), event)
		default:
			return
		}
	}
}

func (a *Async) publish(ctx context.Context, event Event) {
	pctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.next.Publish(pctx, event); err != nil {
		a.logger.Warning("Failed to publish %s event for %s: %v", event.Kind, event.ClientID, err)
	}
}

func (a *Async) Publish(_ context.Context, event Event) error {
	select {
	case a.queue <- event:
		return nil
	default:
		a.logger.Warning("Event queue full, dropping %s event for %s", event.Kind, event.ClientID)
		return nil
	}
}

// Close closes the wrapped publisher. Run must have returned or never been started.
func (a *Async) Close() error {
	return a.next.Close()
}

// Done is closed when Run returns.
func (a *Async) Done() <-chan struct{} {
	return a.done
}
