package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"airdrop/internal/logger"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	Linked       = "airdrop.linked"
	Participated = "airdrop.participated"
	Paid         = "airdrop.paid"
)

type LinkedEvent struct {
	Wallet    string    `json:"wallet"`
	SocialID  string    `json:"social_id"`
	Handle    string    `json:"handle,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ParticipatedEvent struct {
	PostID    string    `json:"post_id"`
	Wallet    string    `json:"wallet,omitempty"`
	Marked    int64     `json:"marked"`
	Timestamp time.Time `json:"timestamp"`
}

type PaidEvent struct {
	Wallet    string    `json:"wallet"`
	TxID      string    `json:"tx_id"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
	Close()
}

// Noop is used when no broker is configured or reachable at startup.
type Noop struct{}

func (Noop) Publish(_ context.Context, routingKey string, _ any) error {
	logger.Debug("events: publish skipped, no broker", zap.String("routing key", routingKey))
	return nil
}

func (Noop) Close() {}

// Producer publishes JSON events to a durable topic exchange.
type Producer struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("events: AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewProducer(amqpURL, exchange string) (*Producer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := declare(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Producer{exchange: exchange, conn: conn, channel: ch}, nil
}

func declare(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// Publish marshals body and sends it with routingKey. A failed publish reopens the channel once
// and retries.
func (p *Producer) Publish(ctx context.Context, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}

	logger.Warn("events: publish failed, reopening channel", zap.String("routing key", routingKey), zap.Error(err))
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	p.channel = ch
	if err := declare(ch, p.exchange); err != nil {
		return err
	}

	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Emit publishes and only logs failures; events never fail the operation that produced them.
func Emit(ctx context.Context, publisher Publisher, routingKey string, body any) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, routingKey, body); err != nil {
		logger.Warn("events: publish failed", zap.String("routing key", routingKey), zap.Error(err))
	}
}
