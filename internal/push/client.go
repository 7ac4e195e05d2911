// Package push is a thin client for an out-of-band notification relay.
// It wakes a recipient's device for an incoming call when the device is
// not currently listening on the invites channel. Delivery is
// best-effort: the relay is optional infrastructure and every failure
// here is non-fatal to the call flow.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parley-p2p/parley/internal/signal"
	"github.com/parley-p2p/parley/internal/util"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient builds a push client. An empty baseURL disables push
// entirely: every Notify call becomes a silent no-op.
func NewClient(baseURL string) *Client {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = util.NormalizeURL(baseURL)
	return &Client{
		BaseURL: baseURL,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// notifyPayload is the wire shape of POST /notify.
type notifyPayload struct {
	To       string `json:"to"`
	From     string `json:"from"`
	RoomID   string `json:"roomId"`
	CallType string `json:"callType"`
	TS       int64  `json:"ts"`
}

// NotifyInvite posts a call wake-up for the invite's recipient.
func (c *Client) NotifyInvite(ctx context.Context, inv signal.Invite) error {
	if c.BaseURL == "" {
		return nil
	}

	b, _ := json.Marshal(notifyPayload{
		To:       inv.To,
		From:     inv.From,
		RoomID:   inv.RoomID,
		CallType: inv.CallType,
		TS:       inv.TS,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/notify", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notify status %s", resp.Status)
	}
	return nil
}
