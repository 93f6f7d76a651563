package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

// Client is the monitor-side half of the Evaluator Transport: it dials the
// server, reconnects with exponential backoff on any drop, and delivers
// every received Envelope to Events. Modeled on the original duplexer's
// 60-second open timeout and 60-second ping interval.
type Client struct {
	url    string
	token  string
	tlsConf *tls.Config
	logger arbor.ILogger

	Events chan Envelope

	OpenTimeout  time.Duration
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// NewClient returns a client ready to Run against url.
func NewClient(url, token string, tlsConf *tls.Config, logger arbor.ILogger) *Client {
	return &Client{
		url:          url,
		token:        token,
		tlsConf:      tlsConf,
		logger:       logger,
		Events:       make(chan Envelope, 256),
		OpenTimeout:  60 * time.Second,
		PingInterval: 60 * time.Second,
		MinBackoff:   time.Second,
		MaxBackoff:   60 * time.Second,
	}
}

// Run dials, reads, and reconnects until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := c.MinBackoff
	for {
		select {
		case <-ctx.Done():
			close(c.Events)
			return
		default:
		}

		if err := c.runOnce(ctx); err != nil {
			c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("transport: client disconnected, reconnecting")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				close(c.Events)
				return
			}
			backoff *= 2
			if backoff > c.MaxBackoff {
				backoff = c.MaxBackoff
			}
			continue
		}
		backoff = c.MinBackoff
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.OpenTimeout,
		TLSClientConfig:  c.tlsConf,
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("token", c.token)
	}

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			<-done
			return err
		}
		select {
		case c.Events <- env:
		case <-ctx.Done():
			<-done
			return nil
		}
	}
}
