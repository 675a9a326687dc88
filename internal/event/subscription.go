package event

import "sync/atomic"

// Subscription is a handle to a registered handler.
type Subscription interface {
	ID() string
	Pattern() Topic
	Owner() string
	IsActive() bool
	Cancel()
}

type subscription struct {
	id        string
	pattern   Topic
	owner     string
	handler   Handler
	once      bool
	cancelled atomic.Bool
}

func (s *subscription) ID() string     { return s.id }
func (s *subscription) Pattern() Topic { return s.pattern }
func (s *subscription) Owner() string  { return s.owner }
func (s *subscription) IsActive() bool { return !s.cancelled.Load() }
func (s *subscription) Cancel()        { s.cancelled.Store(true) }
