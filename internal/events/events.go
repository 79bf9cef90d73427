// Package events is a small in-process bus. Handlers for a subject run on a
// single delivery goroutine, so every subscriber sees events in emit order.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Emit after Complete.
var ErrClosed = errors.New("events: subject closed")

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize     int
	emitTimeout    time.Duration
	handlerTimeout time.Duration
	logger         *zap.Logger
}

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.bufferSize = size
	}
}

// WithEmitTimeout bounds how long Emit waits on a full buffer.
func WithEmitTimeout(d time.Duration) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.emitTimeout = d
	}
}

// WithLogger sets a structured logger for handler errors
func WithLogger(logger *zap.Logger) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.logger = logger
	}
}

type event struct {
	topic   string
	message any
}

// Subscription represents a handler subscribed to a specific topic.
type Subscription struct {
	Topic       string
	ID          string
	Handler     HandlerFunc
	Unsubscribe func()
}

type subscriberMap map[string]map[string]Subscription

type Subject struct {
	subscribers atomic.Pointer[subscriberMap]
	nextSubID   atomic.Int64
	delivered   atomic.Int64

	events   chan event
	shutdown chan struct{}
	config   subjectConfig

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSubject creates a new Subject and starts its delivery loop.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{
		bufferSize:     512,
		emitTimeout:    5 * time.Second,
		handlerTimeout: 10 * time.Second,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		config:   cfg,
	}
	empty := make(subscriberMap)
	s.subscribers.Store(&empty)

	s.wg.Add(1)
	go s.eventLoop()
	return s
}

// Emit emits an event to the given topic.
func Emit[T any](subject *Subject, topic string, value T) error {
	select {
	case <-subject.shutdown:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(subject.config.emitTimeout)
	defer timer.Stop()

	select {
	case subject.events <- event{topic: topic, message: value}:
		return nil
	case <-subject.shutdown:
		return ErrClosed
	case <-timer.C:
		return fmt.Errorf("events: emit on %s timed out", topic)
	}
}

// Subscribe subscribes a typed handler to the given topic.
func Subscribe[T any](subject *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		if typed, ok := data.(T); ok {
			return handler(ctx, typed)
		}
		return fmt.Errorf("type assertion failed for %T, expected %T", data, *new(T))
	})

	sub := Subscription{
		Topic:   topic,
		ID:      fmt.Sprintf("%s-%d", topic, subject.nextSubID.Add(1)),
		Handler: wrapped,
	}
	subject.addSubscription(sub)
	id := sub.ID
	sub.Unsubscribe = func() { subject.removeSubscription(id) }
	return sub
}

// Delivered reports how many events the loop has dispatched.
func (s *Subject) Delivered() int64 { return s.delivered.Load() }

// Complete stops the delivery loop, dropping undelivered events.
// Safe to call multiple times.
func Complete(s *Subject) {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
	})
}

func (s *Subject) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			subs := s.subscribers.Load()
			for _, sub := range (*subs)[evt.topic] {
				s.deliver(sub, evt)
			}
			s.delivered.Add(1)
		}
	}
}

func (s *Subject) deliver(sub Subscription, evt event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.config.logger.Error("event handler panic",
				zap.String("topic", evt.topic),
				zap.String("subscription_id", sub.ID),
				zap.Any("panic", r))
		}
	}()

	if err := sub.Handler(ctx, evt.message); err != nil {
		s.config.logger.Debug("event handler error",
			zap.String("topic", evt.topic),
			zap.String("subscription_id", sub.ID),
			zap.Error(err))
	}
}

// addSubscription adds a subscription using copy-on-write
func (s *Subject) addSubscription(sub Subscription) {
	for {
		oldSubs := s.subscribers.Load()
		newSubs := copySubscribers(*oldSubs)
		if _, ok := newSubs[sub.Topic]; !ok {
			newSubs[sub.Topic] = make(map[string]Subscription)
		}
		newSubs[sub.Topic][sub.ID] = sub
		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

// removeSubscription removes a subscription using copy-on-write
func (s *Subject) removeSubscription(subID string) {
	for {
		oldSubs := s.subscribers.Load()
		newSubs := copySubscribers(*oldSubs)

		found := false
		for topic, topicSubs := range newSubs {
			if _, ok := topicSubs[subID]; ok {
				delete(topicSubs, subID)
				if len(topicSubs) == 0 {
					delete(newSubs, topic)
				}
				found = true
				break
			}
		}
		if !found {
			return
		}
		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

func copySubscribers(original subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(original))
	for topic, topicSubs := range original {
		cp[topic] = make(map[string]Subscription, len(topicSubs))
		for id, sub := range topicSubs {
			cp[topic][id] = sub
		}
	}
	return cp
}
