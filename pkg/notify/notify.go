// Package notify announces processed receipts to other systems.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"receiptscanner/pkg/domain"
)

const (
	DefaultExchange     = "receipts"
	RoutingKeyProcessed = "receipt.processed"
)

// Publisher announces pipeline outcomes.
type Publisher interface {
	PublishProcessed(ctx context.Context, entry domain.ReceiptEntry) error
	Close() error
}

// ProcessedEvent is the message body for RoutingKeyProcessed.
type ProcessedEvent struct {
	DocumentHash  string    `json:"documentHash"`
	EntryID       string    `json:"entryId"`
	LanguageCodes []string  `json:"languageCodes"`
	StoreName     string    `json:"storeName"`
	Total         float64   `json:"total"`
	CurrencyCode  string    `json:"currencyCode"`
	ProcessedAt   time.Time `json:"processedAt"`
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishProcessed(context.Context, domain.ReceiptEntry) error { return nil }
func (Nop) Close() error                                                { return nil }

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes JSON events to a topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	mu       sync.Mutex
	now      func() time.Time
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange, now: time.Now}, nil
}

func (p *AMQPPublisher) PublishProcessed(ctx context.Context, entry domain.ReceiptEntry) error {
	event := ProcessedEvent{
		DocumentHash:  entry.DocumentHash,
		EntryID:       entry.ID,
		LanguageCodes: entry.LanguageCodes,
		StoreName:     entry.Receipt.StoreName,
		Total:         entry.Receipt.Total,
		CurrencyCode:  entry.Receipt.CurrencyCode,
		ProcessedAt:   p.now().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKeyProcessed, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    entry.DocumentHash,
		Timestamp:    event.ProcessedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", RoutingKeyProcessed, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
