package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/vanish/internal/notes"
)

const (
	RealtimeEventNoteGone  = "note-gone"
	realtimeEventHeartbeat = "heartbeat"
)

// GoneMessage announces that a note no longer exists.
type GoneMessage struct {
	Code      string
	Reason    notes.GoneReason
	Timestamp time.Time
}

// RealtimeDispatcher fans gone notifications out to the streams watching a code.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan GoneMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  4,
		clock:       time.Now,
	}
}

// Subscribe registers interest in code until ctx ends or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, code string) (<-chan GoneMessage, func()) {
	if code == "" {
		ch := make(chan GoneMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan GoneMessage, d.bufferSize),
	}
	d.registerSubscriber(code, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(code, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishGone delivers a gone message to every subscriber of code. Slow
// subscribers drop the message rather than block the publisher.
func (d *RealtimeDispatcher) PublishGone(code string, reason notes.GoneReason) {
	if code == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[code]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	message := GoneMessage{Code: code, Reason: reason, Timestamp: d.clock().UTC()}
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports how many streams currently watch code.
func (d *RealtimeDispatcher) SubscriberCount(code string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[code])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(code string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[code]; !ok {
		d.subscribers[code] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[code][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(code string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[code]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, code)
		}
	}
	d.mu.Unlock()
}
