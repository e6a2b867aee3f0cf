// Package audit publishes token lifecycle events to a message broker.
// Publishing is strictly best-effort: the broker being down never blocks or
// fails an OAuth operation.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event types emitted by the broker.
const (
	EventTokenMinted     = "token_minted"
	EventTokenRefreshed  = "token_refreshed"
	EventTokenRevoked    = "token_revoked"
	EventUserProvisioned = "user_provisioned"
)

const (
	exchangeName   = "querybridge.audit"
	publishTimeout = 5 * time.Second
)

// Event is the wire shape of an audit record.
type Event struct {
	Type     string    `json:"type"`
	UserID   int64     `json:"user_id,omitempty"`
	ClientID string    `json:"client_id,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher sends audit events to RabbitMQ. A nil Publisher is valid and
// drops everything, so callers never need to guard their Publish calls.
type Publisher struct {
	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

// NewPublisher connects to the broker at url and declares the audit exchange.
func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, logger: logger}, nil
}

// NewPublisherFromEnv reads AMQP_URL. An empty value disables auditing and
// returns nil, nil.
func NewPublisherFromEnv(logger *slog.Logger) (*Publisher, error) {
	url := strings.TrimSpace(os.Getenv("AMQP_URL"))
	if url == "" {
		return nil, nil
	}
	return NewPublisher(url, logger)
}

// Publish emits one event, routed by its type. Failures are logged and
// swallowed.
func (p *Publisher) Publish(eventType string, userID int64, clientID string) {
	if p == nil {
		return
	}
	body, err := json.Marshal(Event{
		Type:     eventType,
		UserID:   userID,
		ClientID: clientID,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, exchangeName, "audit."+eventType, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
	if err != nil {
		p.logger.Warn("audit event publish failed", "type", eventType, "error", err)
	}
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
