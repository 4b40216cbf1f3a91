package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filebridge/bridge"
	"filebridge/transfer"
)

type echoService struct {
	conn Writer

	mu      sync.Mutex
	binary  [][]byte
	cleaned chan error
}

func (s *echoService) Name() string         { return "echo" }
func (s *echoService) Register(conn Writer) { s.conn = conn }

func (s *echoService) HandleTextMessage(id, action string, data json.RawMessage) {
	if action == "fail" {
		ReplyError(s.conn, s.Name(), id, action, &bridge.OpError{Op: "stat", Path: id, Err: bridge.ErrNotFound})
		return
	}
	var payload map[string]any
	Decode(data, &payload)
	Reply(s.conn, s.Name(), id, action, payload)
}

func (s *echoService) HandleBinaryMessage(data []byte) {
	s.mu.Lock()
	s.binary = append(s.binary, data)
	s.mu.Unlock()
	Reply(s.conn, s.Name(), "", "binary", len(data))
}

func (s *echoService) Cleanup(err error) {
	s.cleaned <- err
}

func startServer(t *testing.T, timeout time.Duration) (*ws.Conn, *echoService) {
	t.Helper()
	svc := &echoService{cleaned: make(chan error, 1)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := NewServer(w, r, timeout)
		if err != nil {
			return
		}
		s.Register(svc)
		s.Start()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, svc
}

func readMessage(t *testing.T, c *ws.Conn) ServiceMessage {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg ServiceMessage
	require.NoError(t, c.ReadJSON(&msg))
	return msg
}

func TestServerDispatch(t *testing.T) {
	c, svc := startServer(t, time.Minute)

	require.NoError(t, c.WriteJSON(ServiceMessage{
		Service: "echo", Id: "1", Action: "say", Data: json.RawMessage(`{"hello":"world"}`),
	}))
	msg := readMessage(t, c)
	assert.Equal(t, "echo", msg.Service)
	assert.Equal(t, "1", msg.Id)
	assert.JSONEq(t, `{"hello":"world"}`, string(msg.Data))

	require.NoError(t, c.WriteJSON(ServiceMessage{Service: "echo", Id: "/x", Action: "fail"}))
	msg = readMessage(t, c)
	assert.Equal(t, "not_found", msg.Code)
	assert.Contains(t, msg.Error, "/x")

	// unknown services are ignored
	require.NoError(t, c.WriteJSON(ServiceMessage{Service: "nope", Action: "x"}))

	require.NoError(t, c.WriteMessage(ws.BinaryMessage, []byte("abcd")))
	msg = readMessage(t, c)
	assert.Equal(t, "binary", msg.Action)
	assert.Equal(t, "4", string(msg.Data))

	c.Close()
	select {
	case <-svc.cleaned:
	case <-time.After(2 * time.Second):
		t.Fatal("services were not cleaned up")
	}
}

func TestServerIdleTimeout(t *testing.T) {
	c, svc := startServer(t, 60*time.Millisecond)

	select {
	case <-svc.cleaned:
	case <-time.After(2 * time.Second):
		t.Fatal("idle session was not closed")
	}
	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := c.ReadMessage()
	assert.Error(t, err)
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{bridge.ErrUnsupportedFeature, "unsupported"},
		{fmt.Errorf("wrapped: %w", bridge.ErrAlreadyExists), "already_exists"},
		{&transfer.PartialFailureError{Total: 2}, "partial_failure"},
		{fmt.Errorf("%w: bad", transfer.ErrInvalidRequest), "invalid_request"},
		{fmt.Errorf("boom"), "internal"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ErrorCode(tc.err), tc.err.Error())
	}
}
