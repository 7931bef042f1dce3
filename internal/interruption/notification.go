// SPDX-License-Identifier: MIT

// Package interruption turns platform audio notifications (a phone call
// taking the route, a headset being unplugged) into pause, resume and abort
// calls on a capture session.
package interruption

import (
	"strings"
	"sync"
)

// Type identifies the kind of notification.
type Type uint8

const (
	TypeOther Type = iota
	TypeBegan
	TypeEnded
	TypeRouteChanged
)

func (t Type) String() string {
	switch t {
	case TypeBegan:
		return "began"
	case TypeEnded:
		return "ended"
	case TypeRouteChanged:
		return "routeChanged"
	default:
		return "other"
	}
}

// ParseType maps a wire name to a Type. Unknown names map to TypeOther.
func ParseType(s string) Type {
	switch strings.ToLower(s) {
	case "began", "begin":
		return TypeBegan
	case "ended", "end":
		return TypeEnded
	case "routechanged", "route_changed", "route":
		return TypeRouteChanged
	default:
		return TypeOther
	}
}

// Notification is one event from the platform. ShouldResume is only
// meaningful for TypeEnded.
type Notification struct {
	Type         Type   `json:"type" msgpack:"type"`
	ShouldResume bool   `json:"shouldResume,omitempty" msgpack:"shouldResume,omitempty"`
	Reason       string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// Source delivers notifications to a handler until the returned function is
// called.
type Source interface {
	Subscribe(handler func(Notification)) (unsubscribe func())
}

// Hub is an in-process Source. Drivers and the bridge publish into it; a
// Monitor subscribes to it.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Notification)
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Notification))}
}

func (h *Hub) Subscribe(handler func(Notification)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = handler
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish calls every subscriber synchronously, outside the lock.
func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	handlers := make([]func(Notification), 0, len(h.subs))
	for _, fn := range h.subs {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(n)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
