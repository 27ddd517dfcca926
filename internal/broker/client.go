// Package broker wraps the NATS connection shared by the NATS artifact store
// and the NATS deploy action.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Client manages a NATS connection and its JetStream context.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	url  string
}

// Connect dials NATS and creates a JetStream context.
func Connect(url string) (*Client, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	conn, err := nats.Connect(url, nats.Name("docpipe"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	slog.Info("NATS client connected", "url", url)
	return &Client{conn: conn, js: js, url: url}, nil
}

// Publish publishes data on a JetStream subject and waits for the ack.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", subject, err)
	}
	return nil
}

// ObjectStore returns the named object store bucket, creating it when missing.
func (c *Client) ObjectStore(ctx context.Context, bucket string) (jetstream.ObjectStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	obs, err := c.js.ObjectStore(ctx, bucket)
	if err == nil {
		return obs, nil
	}
	obs, err = c.js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "docpipe build artifacts",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store %s: %w", bucket, err)
	}
	slog.Info("Created object store for artifacts", "bucket", bucket)
	return obs, nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
