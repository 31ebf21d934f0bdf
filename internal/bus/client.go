package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Client wraps NATS connection and JetStream context with minimal helpers.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, name string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if name == "" {
		name = "loqa-scribe"
	}

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		js:   js,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Logger() *slog.Logger {
	return c.log
}

// EnsureStateStream creates the in-memory stream that keeps the latest state
// of every node. It is a no-op when the stream already exists.
func (c *Client) EnsureStateStream() error {
	if _, err := c.js.StreamInfo(protocol.StateStream); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup state stream: %w", err)
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:              protocol.StateStream,
		Subjects:          []string{protocol.SubjectStatePrefix + ".>"},
		Storage:           nats.MemoryStorage,
		MaxMsgsPerSubject: 1,
		Discard:           nats.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("create state stream: %w", err)
	}
	return nil
}

// LastState returns the most recent state published by nodeID.
func (c *Client) LastState(nodeID string) (protocol.StateMessage, error) {
	raw, err := c.js.GetLastMsg(protocol.StateStream, protocol.StateSubject(nodeID))
	if err != nil {
		return protocol.StateMessage{}, fmt.Errorf("read last state of %s: %w", nodeID, err)
	}
	var msg protocol.StateMessage
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		return protocol.StateMessage{}, fmt.Errorf("decode state message: %w", err)
	}
	return msg, nil
}

// Request sends a JSON command and decodes the JSON reply.
func (c *Client) Request(ctx context.Context, subject string, req protocol.CommandRequest) (protocol.CommandReply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return protocol.CommandReply{}, err
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return protocol.CommandReply{}, fmt.Errorf("request %s: %w", subject, err)
	}
	var reply protocol.CommandReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return protocol.CommandReply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}
