// Package selection exposes the selection store to the client: the working
// directory of each pane and the marked entries.
package selection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"filebridge/bridge"
	"filebridge/logging"
	"filebridge/selection"
	ws "filebridge/websocket"
)

const (
	actionCd     = "cd"
	actionPwd    = "pwd"
	actionMark   = "mark"
	actionUnmark = "unmark"
	actionList   = "list"
	actionClear  = "clear"
)

type pathData struct {
	Side bridge.Side `json:"side"`
	Path string      `json:"path"`
}

type pwdResult struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

type unmarkResult struct {
	Unmarked bool `json:"unmarked"`
}

type listResult struct {
	Records []selection.Record `json:"records"`
}

// SelectionService handles messages in arrival order. A mark must see every
// cd sent before it, so nothing here runs on its own goroutine.
type SelectionService struct {
	conn   ws.Writer
	bridge *bridge.Bridge
	store  *selection.Store

	ctx    context.Context
	cancel context.CancelFunc

	log zerolog.Logger
}

func NewService(b *bridge.Bridge, store *selection.Store) *SelectionService {
	ctx, cancel := context.WithCancel(context.Background())
	return &SelectionService{
		bridge: b,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.For("selection"),
	}
}

func (s *SelectionService) Register(conn ws.Writer) {
	s.conn = conn
}

func (s *SelectionService) Name() string {
	return "selection"
}

func (s *SelectionService) Cleanup(err error) {
	s.cancel()
}

func (s *SelectionService) HandleTextMessage(id, action string, data json.RawMessage) {
	var err error
	switch action {
	case actionCd:
		err = s.handleCd(id, data)
	case actionPwd:
		s.reply(id, actionPwd, s.pwd())
	case actionMark:
		err = s.handleMark(id, data)
	case actionUnmark:
		err = s.handleUnmark(id, data)
	case actionList:
		s.reply(id, actionList, listResult{Records: s.store.Records()})
	case actionClear:
		s.store.Clear()
		s.reply(id, actionClear, nil)
	default:
		s.log.Debug().Str("action", action).Msg("unknown action")
		return
	}
	if err != nil {
		s.log.Debug().Err(err).Str("action", action).Msg("request failed")
		ws.ReplyError(s.conn, s.Name(), id, action, err)
	}
}

func (s *SelectionService) reply(id, action string, data any) {
	ws.Reply(s.conn, s.Name(), id, action, data)
}

func (s *SelectionService) pwd() pwdResult {
	return pwdResult{
		Local:  s.store.WorkingDir(bridge.Local),
		Remote: s.store.WorkingDir(bridge.Remote),
	}
}

func (s *SelectionService) handleCd(id string, data json.RawMessage) error {
	var d pathData
	if err := ws.Decode(data, &d); err != nil {
		return fmt.Errorf("invalid cd payload: %w", err)
	}
	e, err := s.bridge.Stat(s.ctx, d.Side, d.Path)
	if err != nil {
		return err
	}
	if !e.IsDir() {
		return fmt.Errorf("%s is not a directory", d.Path)
	}
	s.store.Navigate(d.Side, e.Path)
	s.reply(id, actionCd, s.pwd())
	return nil
}

func (s *SelectionService) handleMark(id string, data json.RawMessage) error {
	var d pathData
	if err := ws.Decode(data, &d); err != nil {
		return fmt.Errorf("invalid mark payload: %w", err)
	}
	e, err := s.bridge.Stat(s.ctx, d.Side, d.Path)
	if err != nil {
		return err
	}
	s.reply(id, actionMark, s.store.Mark(e))
	return nil
}

func (s *SelectionService) handleUnmark(id string, data json.RawMessage) error {
	var d pathData
	if err := ws.Decode(data, &d); err != nil {
		return fmt.Errorf("invalid unmark payload: %w", err)
	}
	s.reply(id, actionUnmark, unmarkResult{Unmarked: s.store.Unmark(d.Side, d.Path)})
	return nil
}
