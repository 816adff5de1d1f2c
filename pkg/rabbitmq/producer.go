/**
 * @description
 * This package provides the RabbitMQ producer used to fan enrollment
 * lifecycle notifications (contract signed or refused, payment link created,
 * payment paid or failed) out to downstream consumers.
 *
 * Key features:
 * - Declares each durable topic exchange on first use.
 * - Stamps every message with a unique id and the routing key as its type.
 * - Re-dials the broker once when the channel was closed underneath it.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The official Go client for RabbitMQ.
 * - github.com/google/uuid: message ids.
 * - github.com/sirupsen/logrus: structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// channel is the part of *amqp091.Channel the producer publishes through.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	IsClosed() bool
	Close() error
}

type dialFunc func(url string) (*amqp091.Connection, channel, error)

// EventProducer publishes JSON events to topic exchanges.
type EventProducer struct {
	url    string
	dial   dialFunc
	logger logrus.FieldLogger
	now    func() time.Time

	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       channel
	declared map[string]bool
}

func normalizeAMQPURL(raw string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), "\"'")
	if trimmed == "" {
		return "", errors.New("AMQP url is empty")
	}
	if !strings.HasSuffix(trimmed, "/") {
		trimmed += "/"
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid AMQP url: %w", err)
	}
	switch parsed.Scheme {
	case "amqp", "amqps":
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported AMQP scheme %q", parsed.Scheme)
	}
}

func dialBroker(amqpURL string) (*amqp091.Connection, channel, error) {
	conn, err := amqp091.Dial(amqpURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	return conn, ch, nil
}

// NewEventProducer dials the broker and opens the publishing channel.
func NewEventProducer(amqpURL string, logger logrus.FieldLogger) (*EventProducer, error) {
	normalized, err := normalizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	p := newProducer(normalized, dialBroker, logger)
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func newProducer(amqpURL string, dial dialFunc, logger logrus.FieldLogger) *EventProducer {
	return &EventProducer{
		url:      amqpURL,
		dial:     dial,
		logger:   logger.WithField("component", "rabbitmq"),
		now:      func() time.Time { return time.Now().UTC() },
		declared: make(map[string]bool),
	}
}

// connect must be called with mu held, or before the producer is shared.
func (p *EventProducer) connect() error {
	conn, ch, err := p.dial(p.url)
	if err != nil {
		return err
	}
	p.conn, p.ch = conn, ch
	p.declared = make(map[string]bool)
	return nil
}

// Publish sends body as JSON to exchange with routingKey.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", routingKey, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		p.logger.Warn("rabbitmq channel closed; reconnecting")
		if p.conn != nil {
			p.conn.Close()
		}
		if err := p.connect(); err != nil {
			return err
		}
	}

	if !p.declared[exchange] {
		if err := p.ch.ExchangeDeclare(exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
		p.declared[exchange] = true
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Type:         routingKey,
		Timestamp:    p.now(),
		Body:         payload,
	}
	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	p.logger.WithFields(logrus.Fields{
		"exchange":    exchange,
		"routing_key": routingKey,
		"message_id":  msg.MessageId,
	}).Debug("published event")
	return nil
}

// Close releases the channel and the connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
