package event

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

type Type string

const (
	ListedEvent    Type = "Listed"
	CancelledEvent Type = "Cancelled"
	SaleEvent      Type = "Sale"
)

// Event is what the marketplace emits after a state change has committed.
type Event struct {
	Type    Type           `json:"type"`
	TokenID domain.TokenID `json:"token_id"`
	Seller  domain.Address `json:"seller,omitempty"`
	Price   int64          `json:"price,omitempty"`
	Sale    *domain.Sale   `json:"sale,omitempty"`
	At      time.Time      `json:"at"`
}

func Listed(l domain.Listing) Event {
	return Event{Type: ListedEvent, TokenID: l.TokenID, Seller: l.Seller, Price: l.Price, At: time.Now().UTC()}
}

func Cancelled(tokenID domain.TokenID) Event {
	return Event{Type: CancelledEvent, TokenID: tokenID, At: time.Now().UTC()}
}

func Sold(s domain.Sale) Event {
	return Event{Type: SaleEvent, TokenID: s.TokenID, Seller: s.Seller, Price: s.Price, Sale: &s, At: s.SettledAt}
}

const listenerBuffer = 256

var droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "marketplace_events_dropped_total",
	Help: "Events dropped because a listener fell behind",
}, []string{"type"})

type listener struct {
	eventType Type
	channel   chan Event
}

// Bus fans events out to listeners. Each listener runs on its own goroutine
// and sees its events in publish order. Publish never waits on a listener:
// once a listener's buffer is full, further events for it are dropped.
type Bus struct {
	mu        sync.RWMutex
	listeners []*listener
	wg        sync.WaitGroup
	closed    bool
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) AddListener(eventType Type, callback func(Event)) {
	zap.L().With(zap.String("type", string(eventType))).Debug("EventBus: AddListener")

	l := &listener{
		eventType: eventType,
		channel:   make(chan Event, listenerBuffer),
	}

	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range l.channel {
			callback(msg)
		}
	}()
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		zap.L().With(zap.String("type", string(e.Type))).Warn("EventBus: publish after close")
		return
	}

	for _, l := range b.listeners {
		if l.eventType != e.Type {
			continue
		}
		select {
		case l.channel <- e:
		default:
			droppedEvents.WithLabelValues(string(e.Type)).Inc()
			zap.L().With(zap.String("type", string(e.Type)), zap.Uint64("tokenId", uint64(e.TokenID))).Warn("EventBus: listener full, event dropped")
		}
	}
}

// Close stops accepting events and waits for listeners to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, l := range b.listeners {
		close(l.channel)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
