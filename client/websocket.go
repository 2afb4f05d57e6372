package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event mirrors the JSON events pushed on /ws/events.
type Event struct {
	Type      string    `json:"type"`
	FilePath  string    `json:"file_path"`
	Agent     string    `json:"agent,omitempty"`
	HolderID  string    `json:"holder_id,omitempty"`
	LockToken string    `json:"lock_token,omitempty"`
	BackupID  string    `json:"backup_id,omitempty"`
	Success   *bool     `json:"success,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventHandler is called for each received event. Returning an error stops
// the stream and is returned from Events.
type EventHandler func(ev Event) error

// Events streams coordination events to fn until ctx is cancelled, the
// server closes the connection, or fn fails. With file set only that file's
// events are delivered.
func (c *Client) Events(ctx context.Context, file string, fn EventHandler) error {
	wsURL, err := c.eventsURL(file)
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}
	// The handshake is bounded by ctx; a client-wide timeout would cut the
	// stream short.
	hc := *c.HTTP
	hc.Timeout = 0
	opts := &websocket.DialOptions{HTTPClient: &hc}
	if c.Token != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + c.Token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "client closing")

	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) eventsURL(file string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/events"
	if file != "" {
		q := u.Query()
		q.Set("file", file)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
