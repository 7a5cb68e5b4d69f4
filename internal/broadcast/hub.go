// Package broadcast fans out task, package, log, and agent events to
// connected observers. The hub is a transient relay: it owns no state, keeps
// no history, and drops events for subscribers that cannot keep up. Pull
// endpoints are the source of truth; push is an optimization.
package broadcast

import (
	"fmt"
	"sync"
	"time"
)

const subscriberBuffer = 256

// Hub is the publish point for the chat, logs, and agents channels.
type Hub struct {
	mu        sync.Mutex
	nextSubID int
	subs      map[Channel]map[int]chan Event
	closed    bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[Channel]map[int]chan Event),
	}
}

// Subscribe joins a channel and returns the event stream plus a cancel
// function. The stream is closed on cancel and on hub shutdown. A
// subscriber receives only events of the channel it joined.
func (h *Hub) Subscribe(ch Channel) (<-chan Event, func()) {
	events := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(events)
		return events, func() {}
	}
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subs[ch]; !ok {
		h.subs[ch] = make(map[int]chan Event)
	}
	h.subs[ch][id] = events
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[ch][id]; ok {
				delete(h.subs[ch], id)
				close(c)
			}
		})
	}
	return events, cancel
}

// Publish delivers an event to every subscriber of its channel. Publish
// never blocks: a full subscriber buffer means that subscriber misses the
// event (at-most-once delivery, no replay).
func (h *Hub) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, c := range h.subs[ev.Channel] {
		select {
		case c <- ev:
		default:
			// Slow subscriber; it reconciles via the pull endpoints.
		}
	}
}

// SubscriberCount returns the number of live subscribers on a channel.
func (h *Hub) SubscriberCount(ch Channel) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[ch])
}

// Close shuts the hub down and closes all subscriber streams.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, chans := range h.subs {
		for id, c := range chans {
			delete(chans, id)
			close(c)
		}
	}
}

// LogSink adapts leveled operational log lines into events on the logs
// channel, alongside (not instead of) the process log.
type LogSink struct {
	hub    *Hub
	source string
}

// NewLogSink creates a sink tagged with a source component name.
func (h *Hub) NewLogSink(source string) *LogSink {
	return &LogSink{hub: h, source: source}
}

// Infof publishes an info-level log event.
func (s *LogSink) Infof(format string, args ...any) {
	s.emit("info", format, args...)
}

// Errorf publishes an error-level log event.
func (s *LogSink) Errorf(format string, args ...any) {
	s.emit("error", format, args...)
}

func (s *LogSink) emit(level, format string, args ...any) {
	s.hub.Publish(Event{
		Type:    TypeLog,
		Channel: ChannelLogs,
		Payload: LogPayload{
			Level:   level,
			Source:  s.source,
			Message: fmt.Sprintf(format, args...),
		},
	})
}
