// Package events publishes domain events to a RabbitMQ topic exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const Exchange = "reseller_events"

const (
	RentalCreated   = "rental.created"
	RentalCompleted = "rental.completed"
	RentalCancelled = "rental.cancelled"
	RentalExpired   = "rental.expired"
	DepositCredited = "deposit.credited"
)

type RentalEvent struct {
	RentalID    string          `json:"rental_id"`
	UserID      int             `json:"user_id"`
	Provider    string          `json:"provider"`
	ServiceID   string          `json:"service_id"`
	PhoneNumber string          `json:"phone_number"`
	Status      string          `json:"status"`
	Price       decimal.Decimal `json:"price"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

type DepositEvent struct {
	Reference  string          `json:"reference"`
	UserID     int             `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	Source     string          `json:"source"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event interface{}) error
	Close()
}

// AMQPPublisher publishes JSON events on the durable topic exchange.
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewAMQPPublisher(amqpURL string) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := channel.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return &AMQPPublisher{conn: conn, channel: channel}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = p.channel.PublishWithContext(ctx, Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return err
	}

	log.WithField("routing_key", routingKey).Debug("Published event")
	return nil
}

func (p *AMQPPublisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// NoopPublisher drops events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	log.WithField("routing_key", routingKey).Debug("Event publishing disabled, dropping event")
	return nil
}

func (NoopPublisher) Close() {}

// New connects to amqpURL, falling back to a NoopPublisher when the URL is
// empty or the broker is unreachable.
func New(amqpURL string) Publisher {
	if amqpURL == "" {
		log.Info("AMQP_URL not set, domain events disabled")
		return NoopPublisher{}
	}
	p, err := NewAMQPPublisher(amqpURL)
	if err != nil {
		log.WithError(err).Warn("RabbitMQ unavailable, domain events disabled")
		return NoopPublisher{}
	}
	log.Info("Connected to RabbitMQ")
	return p
}
