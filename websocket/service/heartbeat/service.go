package heartbeat

import (
	"encoding/json"
	"time"

	ws "filebridge/websocket"
)

type pongData struct {
	Time int64 `json:"time"`
}

type HeartbeatService struct {
	conn ws.Writer
}

func (s *HeartbeatService) Register(conn ws.Writer) {
	s.conn = conn
}

func (s *HeartbeatService) Name() string {
	return "heartbeat"
}

// HandleTextMessage echoes the request with the server time in milliseconds.
func (s *HeartbeatService) HandleTextMessage(id, action string, data json.RawMessage) {
	ws.Reply(s.conn, s.Name(), id, action, pongData{Time: time.Now().UnixMilli()})
}

func (s *HeartbeatService) Cleanup(err error) {}

func NewService() ws.Service {
	return &HeartbeatService{}
}
