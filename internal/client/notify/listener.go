// Package notify subscribes to the server change feed and triggers a delta
// pull whenever another device commits a change.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/logging"
	"github.com/dmitrijs2005/apptsync/internal/rpc"
)

// TokenFunc returns a valid device session token.
type TokenFunc func(ctx context.Context) (string, error)

type Options struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// ReadWait is how long the connection may stay silent before it is
	// considered dead. Server pings extend it.
	ReadWait time.Duration
}

func DefaultOptions() Options {
	return Options{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
		ReadWait:   70 * time.Second,
	}
}

type Listener struct {
	feedURL  string
	deviceID string
	token    TokenFunc
	onChange func(ctx context.Context)
	dialer   *websocket.Dialer
	opts     Options
	logger   logging.Logger
}

// NewListener returns a listener for the feed at feedURL. onChange runs after
// every (re)connect and on each change notification, on the listener goroutine.
func NewListener(feedURL, deviceID string, token TokenFunc, onChange func(ctx context.Context), l logging.Logger, opts Options) *Listener {
	return &Listener{
		feedURL:  feedURL,
		deviceID: deviceID,
		token:    token,
		onChange: onChange,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		opts:     opts,
		logger:   l.With("module", "notify_listener"),
	}
}

var errDropped = errors.New("change feed connection dropped")

// Run keeps the subscription open until ctx is done, reconnecting with
// capped exponential backoff. The backoff restarts after every connection
// that was established.
func (l *Listener) Run(ctx context.Context) {
	for ctx.Err() == nil {
		b := retry.NewExponential(l.opts.MinBackoff)
		b = retry.WithJitterPercent(10, b)
		b = retry.WithCappedDuration(l.opts.MaxBackoff, b)

		err := retry.Do(ctx, b, func(ctx context.Context) error {
			connected, err := l.listen(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if connected {
				l.logger.Info(ctx, "change feed disconnected", "error", err)
				return errDropped
			}
			l.logger.Debug(ctx, "change feed unavailable", "error", err)
			return retry.RetryableError(err)
		})
		if err != nil && !errors.Is(err, errDropped) && ctx.Err() == nil {
			l.logger.Warn(ctx, "change feed stopped retrying", "error", err)
		}
	}
}

func (l *Listener) dialURL(token string) (string, error) {
	u, err := url.Parse(l.feedURL)
	if err != nil {
		return "", fmt.Errorf("invalid change feed url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// listen serves one connection. connected reports whether the handshake
// succeeded before the returned error occurred.
func (l *Listener) listen(ctx context.Context) (connected bool, err error) {
	token, err := l.token(ctx)
	if err != nil {
		return false, err
	}
	target, err := l.dialURL(token)
	if err != nil {
		return false, err
	}

	header := http.Header{}
	header.Set(common.DeviceIDHeaderName, l.deviceID)
	conn, resp, err := l.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial change feed: %s: %w", resp.Status, err)
		}
		return false, fmt.Errorf("dial change feed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(l.opts.ReadWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(l.opts.ReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	l.logger.Info(ctx, "change feed connected")
	l.onChange(ctx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(l.opts.ReadWait))

		var msg rpc.FeedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Warn(ctx, "malformed change feed message", "error", err)
			continue
		}
		if msg.Type != rpc.FeedChanges {
			continue
		}

		var p rpc.ChangesPayload
		if err := msg.UnmarshalPayload(&p); err == nil {
			l.logger.Debug(ctx, "changes announced", "cursor", p.Cursor, "count", len(p.Changes))
		}
		l.onChange(ctx)
	}
}
