// Package eventbus mirrors routed realtime events to RabbitMQ, so other
// services can react to inbox activity.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"inboxsync/internal/transport"
)

// Config selects the broker and the queue layout.
type Config struct {
	URL    string
	Queue  string // default queue, "realtime_events" when empty
	Prefix string // queue name prefix, "inboxsync" when empty
	// SpecificEvents get a queue of their own: <prefix>_<lowercased event>.
	SpecificEvents []string
	// Source is copied into every envelope, typically the session identity.
	Source string
}

// Channel is the part of an AMQP channel the publisher uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Envelope is the published message body.
type Envelope struct {
	Event     string    `json:"event"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// knownEvents are the inbound names a specific queue may be configured for.
var knownEvents = map[string]bool{
	transport.EventNewMessage:           true,
	transport.EventNewVisitorMessage:    true,
	transport.EventAgentReplied:         true,
	transport.EventAgentReply:           true,
	transport.EventMessageStatus:        true,
	transport.EventVisitorIsTyping:      true,
	transport.EventAgentTyping:          true,
	transport.EventAgentIsTyping:        true,
	transport.EventVisitorContextUpdate: true,
	transport.EventConversationHistory:  true,
}

// RabbitPublisher publishes events to durable queues on the default
// exchange.
type RabbitPublisher struct {
	conn     *amqp091.Connection
	channel  Channel
	queue    string
	prefix   string
	specific map[string]bool
	source   string
	now      func() time.Time

	mu       sync.Mutex
	declared map[string]bool
}

// Dial connects to the broker in cfg.URL.
func Dial(cfg Config) (*RabbitPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL cannot be empty")
	}
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	p := NewRabbitPublisher(ch, cfg)
	p.conn = conn
	log.Info().
		Str("queue", p.queue).
		Str("prefix", p.prefix).
		Msg("RabbitMQ connection established.")
	return p, nil
}

// NewRabbitPublisher publishes on an already open channel.
func NewRabbitPublisher(ch Channel, cfg Config) *RabbitPublisher {
	p := &RabbitPublisher{
		channel:  ch,
		queue:    cfg.Queue,
		prefix:   cfg.Prefix,
		specific: make(map[string]bool),
		source:   cfg.Source,
		now:      time.Now,
		declared: make(map[string]bool),
	}
	if p.queue == "" {
		p.queue = "realtime_events"
	}
	if p.prefix == "" {
		p.prefix = "inboxsync"
	}
	for _, ev := range cfg.SpecificEvents {
		ev = strings.TrimSpace(ev)
		if ev == "" {
			continue
		}
		if !knownEvents[ev] {
			log.Warn().Str("event", ev).Msg("Specific RabbitMQ queue configured for an unknown event")
		}
		p.specific[ev] = true
	}
	if len(p.specific) > 0 {
		log.Info().Interface("specificEvents", p.specific).Msg("Specific RabbitMQ events configured")
	}
	return p
}

// QueueName returns the queue an event is published to.
func (p *RabbitPublisher) QueueName(event string) string {
	if p.specific[event] {
		return p.prefix + "_" + strings.ToLower(event)
	}
	return p.prefix + "_" + p.queue
}

// Publish marshals payload into an Envelope and publishes it.
func (p *RabbitPublisher) Publish(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(Envelope{Event: event, Source: p.source, Timestamp: p.now().UTC(), Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	queue := p.QueueName(event)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.declared[queue] {
		// Declare queue (idempotent)
		if _, err := p.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("Could not declare RabbitMQ queue")
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		p.declared[queue] = true
	}
	err = p.channel.PublishWithContext(ctx, "", queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
	})
	if err != nil {
		log.Error().Err(err).Str("eventType", event).Str("queue", queue).Msg("Could not publish to RabbitMQ")
		return fmt.Errorf("publish %s to %s: %w", event, queue, err)
	}
	log.Debug().Str("eventType", event).Str("queue", queue).Msg("Published message to RabbitMQ")
	return nil
}

// Close closes the channel and the connection.
func (p *RabbitPublisher) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
