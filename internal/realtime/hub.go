package realtime

import (
	"context"
	"sync"
)

const defaultHubBufferSize = 16

// ItemGroup names the broadcast group observing one item.
func ItemGroup(itemID string) string {
	return "item:" + itemID
}

// DeskGroup names the desk-wide broadcast group.
func DeskGroup(deskID string) string {
	return "desk:" + deskID
}

// Envelope is one broadcast unit: a pre-marshaled wire message plus the
// routing metadata the hub needs. ExcludeConn suppresses delivery to the
// originating connection for content broadcasts; presence broadcasts leave
// it empty.
type Envelope struct {
	Type        string
	ItemID      string
	Data        []byte
	ExcludeConn string
}

// Hub fans envelopes out to every connection subscribed to a group.
// Subscriber channels are buffered and sends never block: a slow consumer
// drops messages rather than stalling the publisher.
type Hub struct {
	mu         sync.RWMutex
	groups     map[string]map[int64]*hubSubscriber
	nextID     int64
	bufferSize int
}

type hubSubscriber struct {
	id     int64
	connID string
	stream chan Envelope
}

// NewHub constructs an empty broadcast hub.
func NewHub() *Hub {
	return &Hub{
		groups:     make(map[string]map[int64]*hubSubscriber),
		bufferSize: defaultHubBufferSize,
	}
}

// Subscribe registers the connection on a group and returns its stream
// plus a cleanup function. The subscription also ends when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, group, connID string) (<-chan Envelope, func()) {
	if group == "" {
		closed := make(chan Envelope)
		close(closed)
		return closed, func() {}
	}

	subscriber := &hubSubscriber{
		id:     h.nextSequence(),
		connID: connID,
		stream: make(chan Envelope, h.bufferSize),
	}
	h.register(group, subscriber)
	cleanup := func() {
		h.unregister(group, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the envelope to every group subscriber except the
// excluded connection.
func (h *Hub) Publish(group string, envelope Envelope) {
	if group == "" || len(envelope.Data) == 0 {
		return
	}

	h.mu.RLock()
	subscribers := h.groups[group]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*hubSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()

	for _, subscriber := range copies {
		if envelope.ExcludeConn != "" && subscriber.connID == envelope.ExcludeConn {
			continue
		}
		select {
		case subscriber.stream <- envelope:
		default:
		}
	}
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(group string, subscriber *hubSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[int64]*hubSubscriber)
	}
	h.groups[group][subscriber.id] = subscriber
}

func (h *Hub) unregister(group string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.groups[group]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.groups, group)
		}
	}
	h.mu.Unlock()
}
