// Package messenger forwards marketplace events to RabbitMQ.
package messenger

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/punchamoorthee/bukmarket/internal/event"
)

type exchange struct {
	Name        string
	Type        string
	Durable     bool
	AutoDeleted bool
	Internal    bool
	NoWait      bool
	Arguments   amqp.Table
}

var marketplaceEvents = exchange{
	Name:        "marketplace.events",
	Type:        "topic",
	Durable:     true,
	AutoDeleted: false,
	Internal:    false,
	NoWait:      false,
	Arguments:   nil,
}

// channel is the part of *amqp.Channel the messenger uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Messenger struct {
	mu       sync.Mutex
	open     func() (channel, error)
	ch       channel
	conn     *amqp.Connection
	declared bool
}

func NewMessenger(amqpURI string) *Messenger {
	m := &Messenger{}
	m.open = func() (channel, error) {
		if m.conn == nil || m.conn.IsClosed() {
			conn, err := amqp.Dial(amqpURI)
			if err != nil {
				zap.L().With(zap.Error(err)).Error("[Queue] Failed to connect to RabbitMQ")
				return nil, err
			}
			m.conn = conn
		}
		ch, err := m.conn.Channel()
		if err != nil {
			zap.L().With(zap.Error(err)).Error("[Queue] Failed to open channel")
			return nil, err
		}
		return ch, nil
	}
	return m
}

// RoutingKey is "listing.<type>", e.g. listing.sale.
func RoutingKey(t event.Type) string {
	return "listing." + strings.ToLower(string(t))
}

// Send publishes e to the marketplace.events exchange.
func (m *Messenger) Send(e event.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ch == nil {
		ch, err := m.open()
		if err != nil {
			return err
		}
		m.ch = ch
		m.declared = false
	}

	if !m.declared {
		ex := marketplaceEvents
		if err := m.ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDeleted, ex.Internal, ex.NoWait, ex.Arguments); err != nil {
			zap.L().With(zap.Error(err)).Error("[Queue] Exchange Declare")
			m.reset()
			return err
		}
		m.declared = true
	}

	publishing := amqp.Publishing{
		Headers:      amqp.Table{},
		ContentType:  "text/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.At,
	}
	if err := m.ch.Publish(marketplaceEvents.Name, RoutingKey(e.Type), false, false, publishing); err != nil {
		zap.L().With(zap.Error(err)).Error("[Queue] Exchange Publish")
		m.reset()
		return err
	}
	return nil
}

// Forward is an event.Bus listener. Failures are logged; the marketplace
// state change has already committed.
func (m *Messenger) Forward(e event.Event) {
	if err := m.Send(e); err != nil {
		zap.L().With(
			zap.Error(err),
			zap.String("type", string(e.Type)),
			zap.Uint64("tokenId", uint64(e.TokenID)),
		).Warn("[Queue] Event dropped")
	}
}

// Subscribe registers Forward on bus for every marketplace event type.
func (m *Messenger) Subscribe(bus *event.Bus) {
	for _, t := range []event.Type{event.ListedEvent, event.CancelledEvent, event.SaleEvent} {
		bus.AddListener(t, m.Forward)
	}
}

func (m *Messenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	if m.conn != nil && !m.conn.IsClosed() {
		return m.conn.Close()
	}
	return nil
}

func (m *Messenger) reset() {
	if m.ch != nil {
		m.ch.Close()
	}
	m.ch = nil
	m.declared = false
}
