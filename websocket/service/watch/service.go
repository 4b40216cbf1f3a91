// Package watch manages mirror registrations over the websocket.
package watch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"filebridge/events"
	"filebridge/logging"
	"filebridge/watch"
	ws "filebridge/websocket"
)

const (
	actionRegister = "register"
	actionEnable   = "enable"
	actionDisable  = "disable"
	actionRemove   = "remove"
	actionList     = "list"
	actionError    = "error"
)

type registerData struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
	Enable bool   `json:"enable,omitempty"`
}

type idData struct {
	Registration string `json:"registration"`
}

type listResult struct {
	Registrations []watch.Registration `json:"registrations"`
}

type WatchService struct {
	conn   ws.Writer
	engine *watch.Engine
	bus    *events.Bus
	events <-chan events.Event

	ctx    context.Context
	cancel context.CancelFunc

	log zerolog.Logger
}

func NewService(engine *watch.Engine, bus *events.Bus) *WatchService {
	ctx, cancel := context.WithCancel(context.Background())
	return &WatchService{
		engine: engine,
		bus:    bus,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.For("watch-ws"),
	}
}

// Register starts forwarding watch errors to conn.
func (s *WatchService) Register(conn ws.Writer) {
	s.conn = conn
	s.events = s.bus.Subscribe(events.WatchError)

	go func() {
		for e := range s.events {
			ws.Reply(s.conn, s.Name(), e.Registration, actionError, e)
		}
	}()
}

func (s *WatchService) Name() string {
	return "watch"
}

// Cleanup leaves registrations running; they outlive the connection.
func (s *WatchService) Cleanup(err error) {
	s.cancel()
	if s.events != nil {
		s.bus.Unsubscribe(s.events)
	}
}

func (s *WatchService) HandleTextMessage(id, action string, data json.RawMessage) {
	var (
		result any
		err    error
	)
	switch action {
	case actionRegister:
		result, err = s.register(data)
	case actionEnable:
		result, err = s.apply(data, s.engine.Enable)
	case actionDisable:
		result, err = s.apply(data, s.engine.Disable)
	case actionRemove:
		var d idData
		if err = ws.Decode(data, &d); err == nil {
			err = s.engine.Remove(d.Registration)
		}
	case actionList:
		result = listResult{Registrations: s.engine.Registrations()}
	default:
		s.log.Debug().Str("action", action).Msg("unknown action")
		return
	}

	if err != nil {
		s.log.Debug().Err(err).Str("action", action).Msg("request failed")
		ws.ReplyError(s.conn, s.Name(), id, action, err)
		return
	}
	ws.Reply(s.conn, s.Name(), id, action, result)
}

func (s *WatchService) register(data json.RawMessage) (any, error) {
	var d registerData
	if err := ws.Decode(data, &d); err != nil {
		return nil, fmt.Errorf("invalid register payload: %w", err)
	}
	reg, err := s.engine.Register(s.ctx, d.Local, d.Remote)
	if err != nil {
		return nil, err
	}
	if !d.Enable {
		return reg, nil
	}
	if err := s.engine.Enable(reg.ID); err != nil {
		return nil, err
	}
	reg, _ = s.engine.Get(reg.ID)
	return reg, nil
}

func (s *WatchService) apply(data json.RawMessage, fn func(id string) error) (any, error) {
	var d idData
	if err := ws.Decode(data, &d); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if err := fn(d.Registration); err != nil {
		return nil, err
	}
	reg, _ := s.engine.Get(d.Registration)
	return reg, nil
}
