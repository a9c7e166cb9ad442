package rabbitmq

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"case-triage-pipeline/metrics"
	"case-triage-pipeline/models"

	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// Publisher emits pipeline events onto the triage exchange, primarily the
// terminal screening result consumed by notification and animal-thread
// services. After a broker restart the connection is re-established lazily
// on the next publish.
type Publisher struct {
	mu sync.Mutex

	amqpURL            string
	exchange           string
	screenedRoutingKey string

	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewPublisher(amqpURL, exchange, screenedRoutingKey string) (*Publisher, error) {
	p := &Publisher{
		amqpURL:            amqpURL,
		exchange:           exchange,
		screenedRoutingKey: screenedRoutingKey,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// PublishScreened emits one screened-case event. Callers treat this as
// best-effort: the screening itself is already persisted when this runs.
func (p *Publisher) PublishScreened(event models.ScreenedEvent) error {
	return p.PublishWithRoutingKey(p.screenedRoutingKey, event)
}

// PublishWithRoutingKey sends one persistent JSON message to the exchange.
func (p *Publisher) PublishWithRoutingKey(routingKey string, message any) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", routingKey, err)
	}

	err = p.deliver(routingKey, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
	if err != nil {
		metrics.EventPublishTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.EventPublishTotal.WithLabelValues("success").Inc()
	return nil
}

func (p *Publisher) deliver(routingKey string, publishing amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.openLocked() {
		p.closeLocked()
		if err := p.connectLocked(); err != nil {
			return err
		}
	}

	err := p.channel.Publish(p.exchange, routingKey, false, false, publishing)
	if err == nil {
		return nil
	}
	if !isConnClosedErr(err) {
		return fmt.Errorf("failed to publish %s event: %w", routingKey, err)
	}

	// The broker went away between publishes. Reconnect once and retry;
	// anything beyond that is the caller's problem.
	log.Warnf("Publish hit a closed connection, reconnecting: %v", err)
	p.closeLocked()
	if connErr := p.connectLocked(); connErr != nil {
		return fmt.Errorf("failed to publish %s event: %w (reconnect failed: %v)", routingKey, err, connErr)
	}
	if err := p.channel.Publish(p.exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", routingKey, err)
	}
	return nil
}

func (p *Publisher) connectLocked() error {
	conn, err := amqp.Dial(p.amqpURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open publisher channel: %w", err)
	}

	if err := ch.ExchangeDeclare(p.exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err)
	}

	p.conn = conn
	p.channel = ch
	log.Infof("Event publisher connected, exchange %s", p.exchange)
	return nil
}

func (p *Publisher) openLocked() bool {
	return p.conn != nil && !p.conn.IsClosed() && p.channel != nil
}

func (p *Publisher) closeLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// isConnClosedErr matches the errors amqp surfaces when the underlying
// connection or channel died under us.
func isConnClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "channel/connection is not open")
}

// Close shuts down the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			log.Errorf("Failed to close publisher channel: %v", err)
			firstErr = err
		}
		p.channel = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			log.Errorf("Failed to close publisher connection: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		p.conn = nil
	}
	return firstErr
}

// IsConnected reports whether the publisher currently holds an open
// connection and channel.
func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openLocked()
}
