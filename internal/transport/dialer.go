package transport

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

type DialerConfig struct {
	URL        string
	AuthToken  string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *log.Logger
}

// Dialer keeps the companion connected to the primary's hub, reconnecting
// with exponential backoff.
type Dialer struct {
	url        string
	authToken  string
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *log.Logger
	transport  *Transport
}

func NewDialer(transport *Transport, cfg DialerConfig) (*Dialer, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("primary websocket url is required")
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Dialer{
		url:        cfg.URL,
		authToken:  cfg.AuthToken,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     cfg.Logger,
		transport:  transport,
	}, nil
}

func (d *Dialer) Run(ctx context.Context) error {
	backoff := d.minBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		options := &websocket.DialOptions{}
		if d.authToken != "" {
			options.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + d.authToken}}
		}
		conn, _, err := websocket.Dial(ctx, d.url, options)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Printf("primary dial failed url=%s retry_in=%s err=%v", d.url, backoff, err)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > d.maxBackoff {
				backoff = d.maxBackoff
			}
			continue
		}

		backoff = d.minBackoff
		d.logger.Printf("primary connected url=%s", d.url)
		err = d.transport.Serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		d.logger.Printf("primary disconnected url=%s err=%v", d.url, err)
		if !sleep(ctx, backoff) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
