package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// PushMessage is an inbound frame on the agent's private channel.
type PushMessage struct {
	Type    string     `json:"type"`
	Command RawCommand `json:"command,omitempty"`
}

// subscribe opens the push channel and streams messages to onMessage
// until ctx is cancelled or the connection drops. Always returns a non-nil
// error: the one that ended the stream, including ctx cancellation.
func subscribe(ctx context.Context, wsURL, apiKey string, apiSecret []byte, onMessage func(PushMessage)) error {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	auth := map[string]string{"apiKey": apiKey, "timestamp": timestamp}
	if err := wsjson.Write(ctx, conn, auth); err != nil {
		return err
	}

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return err
		}
		var msg PushMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue // malformed push message, discard and keep reading
		}
		onMessage(msg)
	}
}
