// Package fs serves directory browsing and single-entry operations on both
// sides of a bridge.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"filebridge/bridge"
	"filebridge/logging"
	ws "filebridge/websocket"
)

const (
	actionList         = "list"
	actionStat         = "stat"
	actionMkdir        = "mkdir"
	actionDelete       = "delete"
	actionRename       = "rename"
	actionChmod        = "chmod"
	actionCapabilities = "capabilities"
)

type pathData struct {
	Side bridge.Side `json:"side"`
	Path string      `json:"path"`
}

type listData struct {
	pathData
	ShowHidden bool `json:"showHidden,omitempty"`
}

type listResult struct {
	Entries []bridge.Entry `json:"entries"`
}

type renameData struct {
	pathData
	NewName string `json:"newName"`
}

type chmodData struct {
	pathData
	Mode os.FileMode `json:"mode"`
}

type deleteResult struct {
	Removed int `json:"removed"`
}

type sideInfo struct {
	Provider       string   `json:"provider"`
	Capabilities   []string `json:"capabilities"`
	RemoveStrategy string   `json:"removeStrategy"`
}

type capabilitiesResult struct {
	Local  sideInfo `json:"local"`
	Remote sideInfo `json:"remote"`
}

type FSService struct {
	conn   ws.Writer
	bridge *bridge.Bridge

	ctx    context.Context
	cancel context.CancelFunc

	log zerolog.Logger
}

func NewService(b *bridge.Bridge) *FSService {
	ctx, cancel := context.WithCancel(context.Background())
	return &FSService{
		bridge: b,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.For("fs"),
	}
}

func (s *FSService) Register(conn ws.Writer) {
	s.conn = conn
}

func (s *FSService) Name() string {
	return "fs"
}

func (s *FSService) Cleanup(err error) {
	s.cancel()
}

func (s *FSService) HandleTextMessage(id, action string, data json.RawMessage) {
	switch action {
	case actionList:
		go s.handleList(id, data)
	case actionStat:
		go s.handleStat(id, data)
	case actionMkdir:
		go s.handleMkdir(id, data)
	case actionDelete:
		go s.handleDelete(id, data)
	case actionRename:
		go s.handleRename(id, data)
	case actionChmod:
		go s.handleChmod(id, data)
	case actionCapabilities:
		s.handleCapabilities(id)
	default:
		s.log.Debug().Str("action", action).Msg("unknown action")
	}
}

func (s *FSService) handleError(id, action string, err error) {
	s.log.Debug().Err(err).Str("action", action).Msg("request failed")
	ws.ReplyError(s.conn, s.Name(), id, action, err)
}

func (s *FSService) decode(id, action string, data json.RawMessage, v any) bool {
	if err := ws.Decode(data, v); err != nil {
		s.handleError(id, action, fmt.Errorf("invalid %s payload: %w", action, err))
		return false
	}
	return true
}

func (s *FSService) handleList(id string, data json.RawMessage) {
	var d listData
	if !s.decode(id, actionList, data, &d) {
		return
	}

	entries, err := s.bridge.List(s.ctx, d.Side, d.Path)
	if err != nil {
		s.handleError(id, actionList, err)
		return
	}

	visible := make([]bridge.Entry, 0, len(entries))
	for _, e := range entries {
		if !d.ShowHidden && strings.HasPrefix(e.Name, ".") {
			continue
		}
		visible = append(visible, e)
	}
	// directories first, then by name
	sort.Slice(visible, func(i, j int) bool {
		if visible[i].IsDir() != visible[j].IsDir() {
			return visible[i].IsDir()
		}
		return visible[i].Name < visible[j].Name
	})

	ws.Reply(s.conn, s.Name(), id, actionList, listResult{Entries: visible})
}

func (s *FSService) handleStat(id string, data json.RawMessage) {
	var d pathData
	if !s.decode(id, actionStat, data, &d) {
		return
	}
	e, err := s.bridge.Stat(s.ctx, d.Side, d.Path)
	if err != nil {
		s.handleError(id, actionStat, err)
		return
	}
	ws.Reply(s.conn, s.Name(), id, actionStat, e)
}

func (s *FSService) handleMkdir(id string, data json.RawMessage) {
	var d pathData
	if !s.decode(id, actionMkdir, data, &d) {
		return
	}
	if err := s.bridge.MakeDir(s.ctx, d.Side, d.Path); err != nil {
		s.handleError(id, actionMkdir, err)
		return
	}
	ws.Reply(s.conn, s.Name(), id, actionMkdir, nil)
}

func (s *FSService) handleDelete(id string, data json.RawMessage) {
	var d pathData
	if !s.decode(id, actionDelete, data, &d) {
		return
	}
	n, err := s.bridge.Remove(s.ctx, d.Side, d.Path)
	if err != nil {
		s.handleError(id, actionDelete, err)
		return
	}
	ws.Reply(s.conn, s.Name(), id, actionDelete, deleteResult{Removed: n})
}

func (s *FSService) handleRename(id string, data json.RawMessage) {
	var d renameData
	if !s.decode(id, actionRename, data, &d) {
		return
	}
	if d.NewName == "" || strings.ContainsAny(d.NewName, `/\`) {
		s.handleError(id, actionRename, fmt.Errorf("invalid file name: %q", d.NewName))
		return
	}

	newPath := d.Side.Join(d.Side.Dir(d.Path), d.NewName)
	if ok, _ := s.bridge.Exists(s.ctx, d.Side, newPath); ok {
		s.handleError(id, actionRename, &bridge.OpError{Op: "rename", Side: d.Side, Path: newPath, Err: bridge.ErrAlreadyExists})
		return
	}
	if err := s.bridge.Rename(s.ctx, d.Side, d.Path, newPath); err != nil {
		s.handleError(id, actionRename, err)
		return
	}

	e, err := s.bridge.Stat(s.ctx, d.Side, newPath)
	if err != nil {
		s.handleError(id, actionRename, err)
		return
	}
	ws.Reply(s.conn, s.Name(), id, actionRename, e)
}

func (s *FSService) handleChmod(id string, data json.RawMessage) {
	var d chmodData
	if !s.decode(id, actionChmod, data, &d) {
		return
	}
	if err := s.bridge.SetPermissions(s.ctx, d.Side, d.Path, d.Mode.Perm()); err != nil {
		s.handleError(id, actionChmod, err)
		return
	}
	ws.Reply(s.conn, s.Name(), id, actionChmod, nil)
}

func (s *FSService) info(side bridge.Side) sideInfo {
	return sideInfo{
		Provider:       s.bridge.ProviderName(side),
		Capabilities:   s.bridge.Capabilities(side).Names(),
		RemoveStrategy: s.bridge.RemoveStrategy(side).String(),
	}
}

func (s *FSService) handleCapabilities(id string) {
	ws.Reply(s.conn, s.Name(), id, actionCapabilities, capabilitiesResult{
		Local:  s.info(bridge.Local),
		Remote: s.info(bridge.Remote),
	})
}
