package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

var ErrPublisherClosed = errors.New("amqp publisher is closed")

// channel is the part of *amqp091.Channel the publisher needs.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	IsClosed() bool
	Close() error
}

// dialFunc opens a connection and one channel on it.
type dialFunc func(url string) (channel, io.Closer, error)

func dialAMQP(url string) (channel, io.Closer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, conn, nil
}

// AMQPPublisher publishes index messages to a durable direct exchange. A
// channel or connection dropped by the broker is reopened on the next publish.
type AMQPPublisher struct {
	url          string
	exchangeName string
	queueName    string
	dial         dialFunc

	mu      sync.Mutex
	conn    io.Closer
	channel channel
	closed  bool
}

func NewAMQPPublisher(url, exchangeName, queueName string) (*AMQPPublisher, error) {
	return newAMQPPublisher(url, exchangeName, queueName, dialAMQP)
}

func newAMQPPublisher(url, exchangeName, queueName string, dial dialFunc) (*AMQPPublisher, error) {
	p := &AMQPPublisher{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
		dial:         dial,
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect must be called with mu held or before the publisher is shared.
func (p *AMQPPublisher) connect() error {
	ch, conn, err := p.dial(p.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}
	if err := p.setup(ch); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}
	p.channel, p.conn = ch, conn
	return nil
}

func (p *AMQPPublisher) setup(ch channel) error {
	err := ch.ExchangeDeclare(
		p.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		p.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// routing key is the queue name
	err = ch.QueueBind(p.queueName, p.queueName, p.exchangeName, false, nil)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, msg *Message) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ch, err := p.current()
	if err != nil {
		return err
	}
	err = p.publish(ctx, ch, msg, body)
	if errors.Is(err, amqp091.ErrClosed) {
		slog.WarnContext(ctx, "amqp channel closed, reconnecting", "exchange", p.exchangeName)
		if ch, err = p.reconnect(ch); err == nil {
			err = p.publish(ctx, ch, msg, body)
		}
	}
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	slog.DebugContext(ctx, "published index message",
		"expense_id", msg.ExpenseID,
		"exchange", p.exchangeName,
		"queue", p.queueName)

	return nil
}

func (p *AMQPPublisher) publish(ctx context.Context, ch channel, msg *Message, body []byte) error {
	return ch.PublishWithContext(
		ctx,
		p.exchangeName, // exchange
		p.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    msg.Timestamp,
			MessageId:    msg.ExpenseID.String(),
			Body:         body,
		},
	)
}

// current returns an open channel, reconnecting when the broker closed the last one.
func (p *AMQPPublisher) current() (channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPublisherClosed
	}
	if p.channel == nil || p.channel.IsClosed() {
		p.reset()
		if err := p.connect(); err != nil {
			return nil, err
		}
	}
	return p.channel, nil
}

// reconnect replaces stale unless another publish already did.
func (p *AMQPPublisher) reconnect(stale channel) (channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPublisherClosed
	}
	if p.channel != nil && p.channel != stale && !p.channel.IsClosed() {
		return p.channel, nil
	}
	p.reset()
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p.channel, nil
}

func (p *AMQPPublisher) reset() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.channel, p.conn = nil, nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var err error
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		err = p.conn.Close()
	}
	p.channel, p.conn = nil, nil
	return err
}
