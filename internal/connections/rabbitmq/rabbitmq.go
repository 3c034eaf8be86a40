package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"delivery-tracker/internal/config"
)

type Client struct {
	cfg config.RabbitMQConfig

	mu   sync.Mutex // guards conn, ch and acks; serializes Publish
	conn *amqp.Connection
	ch   *amqp.Channel
	acks <-chan amqp.Confirmation // publisher confirms of ch
}

// Dial connects and opens a publishing channel in confirm mode.
func Dial(cfg config.RabbitMQConfig) (*Client, error) {
	if cfg.VHost == "" {
		cfg.VHost = "/"
	}
	c := &Client{cfg: cfg}
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) url() string {
	scheme := "amqp"
	if c.cfg.UseTLS {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme:  scheme,
		User:    url.UserPassword(c.cfg.User, c.cfg.Password),
		Host:    fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port),
		Path:    "/" + c.cfg.VHost,
		RawPath: "/" + url.PathEscape(c.cfg.VHost),
	}
	return u.String()
}

func (c *Client) connectLocked() error {
	var (
		conn *amqp.Connection
		err  error
	)
	if c.cfg.UseTLS {
		conn, err = amqp.DialTLS(c.url(), &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = amqp.Dial(c.url())
	}
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	c.conn, c.ch = conn, ch
	c.acks = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

// ensureLocked redials when the broker dropped the connection or the
// publishing channel.
func (c *Client) ensureLocked() error {
	if c.conn != nil && !c.conn.IsClosed() && c.ch != nil && !c.ch.IsClosed() {
		return nil
	}
	c.closeLocked()
	return c.connectLocked()
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Ping is a light health check of the connection.
func (c *Client) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// OpenChannel opens a fresh channel for a consumer. The caller owns it.
func (c *Client) OpenChannel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLocked(); err != nil {
		return nil, err
	}
	return c.conn.Channel()
}

// DeclareTopic declares a durable topic exchange. It is idempotent.
func (c *Client) DeclareTopic(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLocked(); err != nil {
		return err
	}
	return c.ch.ExchangeDeclare(name, "topic", true, false, false, false, nil)
}

// Publish publishes a message and waits for the broker's ack or nack.
func (c *Client) Publish(ctx context.Context, exchange, key string,
	body []byte, headers amqp.Table, contentType string, persistent bool) error {

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLocked(); err != nil {
		return err
	}

	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}

	if err := c.ch.PublishWithContext(
		ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: mode,
			ContentType:  contentType,
			Timestamp:    time.Now().UTC(),
			Headers:      headers,
			Body:         body,
		},
	); err != nil {
		return err
	}

	select {
	case conf, ok := <-c.acks:
		if !ok {
			return errors.New("publish confirm channel closed")
		}
		if conf.Ack {
			return nil
		}
		return errors.New("publish NACK from broker")
	case <-ctx.Done():
		return ctx.Err()
	}
}
