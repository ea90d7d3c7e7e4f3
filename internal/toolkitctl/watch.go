package toolkitctl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hal-o-swarm/odoo-toolkit/internal/shared"
)

// WatchRuns streams run events from /ws/runs until ctx is done or the
// daemon closes the stream. A non-empty runID restricts the stream to that
// run, and the watch ends once it finishes.
func (c *HTTPClient) WatchRuns(ctx context.Context, runID string, fn func(shared.MessageType, *shared.RunEvent)) error {
	wsURL, err := websocketURL(c.baseURL, runID)
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", "Bearer "+c.authToken)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrAuthToken
		}
		return fmt.Errorf("failed to connect to run stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("run stream: %w", err)
		}
		env, err := shared.UnmarshalEnvelope(data)
		if err != nil {
			continue
		}
		event, err := env.RunEvent()
		if err != nil {
			continue
		}
		msgType := shared.MessageType(env.Type)
		fn(msgType, event)
		if runID != "" && msgType == shared.MessageTypeRunFinished {
			return nil
		}
	}
}

func websocketURL(baseURL, runID string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/ws/runs")
	if err != nil {
		return "", fmt.Errorf("invalid toolkit url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	if runID != "" {
		q := u.Query()
		q.Set("run_id", runID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// FollowRuns keeps a run stream open, reconnecting with backoff whenever it
// drops, until ctx is done. Authentication failures are not retried.
// onReconnect, when set, is told about each retry before the delay.
func (c *HTTPClient) FollowRuns(ctx context.Context, backoff *Backoff, fn func(shared.MessageType, *shared.RunEvent), onReconnect func(error, time.Duration)) error {
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	for {
		err := c.WatchRuns(ctx, "", func(mt shared.MessageType, ev *shared.RunEvent) {
			backoff.Reset()
			fn(mt, ev)
		})
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthToken) {
			return err
		}

		delay := backoff.Next()
		if onReconnect != nil {
			onReconnect(err, delay)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
