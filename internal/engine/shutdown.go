package engine

import (
	"context"
	"sync"

	"firestige.xyz/layers/internal/log"
)

// Shutdown is a one-shot stop request. Triggering it more than once keeps the
// first reason.
type Shutdown struct {
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	reason string
}

func NewShutdown(parent context.Context) *Shutdown {
	ctx, cancel := context.WithCancel(parent)
	return &Shutdown{ctx: ctx, cancel: cancel}
}

func (s *Shutdown) Trigger(reason string) {
	s.once.Do(func() {
		s.reason = reason
		log.GetLogger().WithField("reason", reason).Info("shutdown requested")
		s.cancel()
	})
}

// Context is done once the shutdown is triggered or the parent is done.
func (s *Shutdown) Context() context.Context { return s.ctx }

func (s *Shutdown) Done() <-chan struct{} { return s.ctx.Done() }

// Reason is the first trigger reason; empty until triggered.
func (s *Shutdown) Reason() string {
	select {
	case <-s.ctx.Done():
	default:
		return ""
	}
	s.once.Do(func() { s.reason = "context done" })
	return s.reason
}

// Watch triggers the shutdown when ctx is done, typically a signal context.
func (s *Shutdown) Watch(ctx context.Context, reason string) {
	go func() {
		select {
		case <-ctx.Done():
			s.Trigger(reason)
		case <-s.ctx.Done():
		}
	}()
}
