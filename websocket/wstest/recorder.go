// Package wstest records what services write so tests can inspect replies.
package wstest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ws "filebridge/websocket"
)

// Recorder implements websocket.Writer.
type Recorder struct {
	messages chan *ws.ServiceMessage
}

func NewRecorder() *Recorder {
	return &Recorder{messages: make(chan *ws.ServiceMessage, 256)}
}

func (r *Recorder) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg ws.ServiceMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	r.messages <- &msg
	return nil
}

// Next waits for the next message with the given action, skipping others.
func (r *Recorder) Next(t *testing.T, action string) *ws.ServiceMessage {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-r.messages:
			if msg.Action == action {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %q message", action)
			return nil
		}
	}
}

// Decode unmarshals the payload of msg into v.
func Decode(t *testing.T, msg *ws.ServiceMessage, v any) {
	t.Helper()
	require.Empty(t, msg.Error)
	require.NoError(t, json.Unmarshal(msg.Data, v))
}
