package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

// Bus is an in-process Notifier and Subscriber.
type Bus struct {
	mu     sync.RWMutex
	seq    atomic.Uint64
	nextID int
	subs   map[string]map[int]chan model.ConversationEvent
	buffer int
}

// NewBus returns a bus whose subscribers buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[string]map[int]chan model.ConversationEvent), buffer: buffer}
}

var (
	_ Notifier   = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

// Publish delivers to every subscriber of the event's company. Slow
// subscribers miss events rather than block the publisher.
func (b *Bus) Publish(ctx context.Context, event *model.ConversationEvent) error {
	event.Sequence = b.seq.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[event.CompanyID] {
		select {
		case ch <- *event:
		default:
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, companyID string) (<-chan model.ConversationEvent, func(), error) {
	ch := make(chan model.ConversationEvent, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[companyID] == nil {
		b.subs[companyID] = make(map[int]chan model.ConversationEvent)
	}
	b.subs[companyID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[companyID], id)
			if len(b.subs[companyID]) == 0 {
				delete(b.subs, companyID)
			}
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ch, stop, nil
}

// Recorder keeps every published event. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []model.ConversationEvent
}

func (r *Recorder) Publish(ctx context.Context, event *model.ConversationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.ConversationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ConversationEvent(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
