// Package upload receives files from the client in binary frames and writes
// them to either side through the bridge. Each file is checked against the
// sha256 digest the client sends when it is done.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"filebridge/bridge"
	"filebridge/logging"
	"filebridge/metrics"
	ws "filebridge/websocket"
)

const (
	actionStartSession    = "start_session"
	actionCompleteSession = "complete_session"
	actionCancelSession   = "cancel_session"
	actionStartFile       = "start_file"
	actionCompleteFile    = "complete_file"
	actionChunk           = "chunk"
	actionMkdir           = "mkdir"
	// what to do when the destination exists
	policyOverwrite = "overwrite"
	policySkip      = "skip"
	policyRename    = "rename"
)

type startSessionData struct {
	Side   bridge.Side `json:"side"`
	Path   string      `json:"path"`
	Policy string      `json:"policy,omitempty"`
}

type startSessionResult struct {
	NeedConfirm bool   `json:"needConfirm"`
	Dest        string `json:"dest,omitempty"`
}

type startFileData struct {
	// Path is relative to the session destination.
	Path string `json:"path"`
}

type startFileResult struct {
	Skip bool `json:"skip"`
}

type chunkResult struct {
	Progress int64 `json:"progress"`
}

type completeFileData struct {
	Digest string `json:"digest"`
}

type mkdirData struct {
	Path string `json:"path"`
}

var errNoFile = errors.New("no file in progress")

type UploadService struct {
	conn       ws.Writer
	backendFor func(side bridge.Side) uploadBackend

	mu       sync.Mutex
	sessions map[string]*uploadSession
	// session that announced the next binary frame
	pendingChunk string

	ctx    context.Context
	cancel context.CancelFunc

	log zerolog.Logger
}

func NewService(b *bridge.Bridge) *UploadService {
	ctx, cancel := context.WithCancel(context.Background())
	return &UploadService{
		backendFor: func(side bridge.Side) uploadBackend {
			return bridgeBackend{b: b, side: side}
		},
		sessions: make(map[string]*uploadSession),
		ctx:      ctx,
		cancel:   cancel,
		log:      logging.For("upload"),
	}
}

func (s *UploadService) Register(conn ws.Writer) {
	s.conn = conn
}

func (s *UploadService) Name() string {
	return "upload"
}

func (s *UploadService) HandleTextMessage(id, action string, data json.RawMessage) {
	switch action {
	case actionStartSession:
		s.handleStartSession(id, data)
	case actionCompleteSession:
		s.handleCompleteSession(id)
	case actionCancelSession:
		s.handleCancelSession(id)
	case actionStartFile:
		s.handleStartFile(id, data)
	case actionCompleteFile:
		s.handleCompleteFile(id, data)
	case actionMkdir:
		s.handleMkdir(id, data)
	case actionChunk:
		s.mu.Lock()
		s.pendingChunk = id
		s.mu.Unlock()
	default:
		s.log.Debug().Str("action", action).Msg("unknown action")
	}
}

// HandleBinaryMessage writes the frame announced by the last chunk message.
func (s *UploadService) HandleBinaryMessage(data []byte) {
	s.mu.Lock()
	id := s.pendingChunk
	s.pendingChunk = ""
	s.mu.Unlock()

	if id == "" {
		s.log.Warn().Int("bytes", len(data)).Msg("binary frame without chunk announcement")
		return
	}
	ss, ok := s.session(id)
	if !ok {
		return
	}

	ss.Lock()
	if ss.file == nil {
		ss.Unlock()
		s.handleError(id, actionChunk, errNoFile)
		return
	}
	n, err := ss.file.Write(data)
	ss.written += int64(n)
	ss.hasher.Write(data[:n])
	progress := ss.written
	ss.Unlock()

	if err != nil {
		s.handleError(id, actionChunk, fmt.Errorf("upload failed: %w", err))
		return
	}
	ws.Reply(s.conn, s.Name(), id, actionChunk, chunkResult{Progress: progress})
}

func (s *UploadService) session(id string) (*uploadSession, bool) {
	s.mu.Lock()
	ss, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		s.log.Debug().Str("session", id).Msg("session not found")
	}
	return ss, ok
}

func (s *UploadService) backend(ss *uploadSession) uploadBackend {
	return s.backendFor(ss.side)
}

func (s *UploadService) handleStartSession(id string, data json.RawMessage) {
	var d startSessionData
	if err := ws.Decode(data, &d); err != nil {
		s.handleError(id, actionStartSession, fmt.Errorf("invalid start_session payload: %w", err))
		return
	}
	ss := &uploadSession{side: d.Side, dest: d.Path, policy: d.Policy, hasher: sha256.New()}
	backend := s.backend(ss)

	exists, err := backend.Exists(s.ctx, d.Path)
	if err != nil {
		s.handleError(id, actionStartSession, err)
		return
	}
	if exists && d.Policy == "" {
		ws.Reply(s.conn, s.Name(), id, actionStartSession, startSessionResult{NeedConfirm: true})
		return
	}
	if exists && d.Policy == policyRename {
		ss.dest = uniqueName(s.ctx, backend, d.Path)
	}

	s.mu.Lock()
	s.sessions[id] = ss
	s.mu.Unlock()

	ws.Reply(s.conn, s.Name(), id, actionStartSession, startSessionResult{Dest: ss.dest})
}

// uniqueName appends " (n)" before the extension until the name is free.
func uniqueName(ctx context.Context, backend uploadBackend, p string) string {
	dir, base := backend.Dir(p), path.Base(p)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; ; i++ {
		candidate := backend.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if ok, err := backend.Exists(ctx, candidate); err != nil || !ok {
			return candidate
		}
	}
}

// target resolves a path sent by the client inside the session destination.
// Paths cannot climb above the destination.
func (s *UploadService) target(ss *uploadSession, rel string) string {
	rel = path.Clean("/" + rel)
	if rel == "/" {
		return ss.dest
	}
	return s.backend(ss).Join(ss.dest, strings.TrimPrefix(rel, "/"))
}

func (s *UploadService) handleStartFile(id string, data json.RawMessage) {
	ss, ok := s.session(id)
	if !ok {
		return
	}
	var d startFileData
	if err := ws.Decode(data, &d); err != nil {
		s.handleError(id, actionStartFile, fmt.Errorf("invalid start_file payload: %w", err))
		return
	}

	ss.Lock()
	defer ss.Unlock()
	if ss.file != nil {
		s.replyError(id, actionStartFile, errors.New("previous file not completed"))
		return
	}

	p := s.target(ss, d.Path)
	backend := s.backend(ss)
	exists, _ := backend.Exists(s.ctx, p)
	if exists && ss.policy == policySkip {
		ws.Reply(s.conn, s.Name(), id, actionStartFile, startFileResult{Skip: true})
		return
	}
	if exists && backend.IsDir(s.ctx, p) {
		s.replyError(id, actionStartFile, &bridge.OpError{Op: "upload", Side: ss.side, Path: p, Err: bridge.ErrAlreadyExists})
		return
	}
	if err := backend.MkdirAll(s.ctx, backend.Dir(p)); err != nil {
		s.replyError(id, actionStartFile, err)
		return
	}
	f, err := backend.OpenFile(s.ctx, p)
	if err != nil {
		s.replyError(id, actionStartFile, err)
		return
	}

	ss.file = f
	ss.current = p
	ss.written = 0
	ss.hasher.Reset()
	ws.Reply(s.conn, s.Name(), id, actionStartFile, startFileResult{Skip: false})
}

func (s *UploadService) handleCompleteFile(id string, data json.RawMessage) {
	ss, ok := s.session(id)
	if !ok {
		return
	}
	var d completeFileData
	if err := ws.Decode(data, &d); err != nil {
		s.handleError(id, actionCompleteFile, fmt.Errorf("invalid complete_file payload: %w", err))
		return
	}

	ss.Lock()
	if ss.file == nil {
		ss.Unlock()
		s.replyError(id, actionCompleteFile, errNoFile)
		return
	}
	err := ss.file.Close()
	ss.file = nil
	digest := hex.EncodeToString(ss.hasher.Sum(nil))
	written, current := ss.written, ss.current
	ss.Unlock()

	if err != nil {
		s.replyError(id, actionCompleteFile, fmt.Errorf("upload failed: %w", err))
		return
	}
	if digest != d.Digest {
		s.log.Warn().Str("local", digest).Str("peer", d.Digest).Str("path", current).Msg("digest mismatch")
		if err := s.backend(ss).DeletePath(s.ctx, current); err != nil {
			s.log.Warn().Err(err).Str("path", current).Msg("failed to delete corrupt upload")
		}
		s.replyError(id, actionCompleteFile, errors.New("upload failed: digest mismatch"))
		return
	}

	metrics.RecordBytes("browser-"+ss.side.String(), written)
	ws.Reply(s.conn, s.Name(), id, actionCompleteFile, nil)
}

func (s *UploadService) handleMkdir(id string, data json.RawMessage) {
	ss, ok := s.session(id)
	if !ok {
		return
	}
	var d mkdirData
	if err := ws.Decode(data, &d); err != nil {
		s.handleError(id, actionMkdir, fmt.Errorf("invalid mkdir payload: %w", err))
		return
	}
	p := s.target(ss, d.Path)
	if err := s.backend(ss).MkdirAll(s.ctx, p); err != nil {
		s.replyError(id, actionMkdir, err)
		return
	}
	ws.Reply(s.conn, s.Name(), id, actionMkdir, nil)
}

func (s *UploadService) handleCompleteSession(id string) {
	ss, ok := s.session(id)
	if !ok {
		return
	}
	ss.Lock()
	if ss.file != nil {
		ss.file.Close()
		ss.file = nil
	}
	ss.Unlock()

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	ws.Reply(s.conn, s.Name(), id, actionCompleteSession, nil)
}

func (s *UploadService) handleCancelSession(id string) {
	ss, ok := s.session(id)
	if !ok {
		return
	}
	s.discard(ss)

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	ws.Reply(s.conn, s.Name(), id, actionCancelSession, nil)
}

// discard closes and deletes a partially written file.
func (s *UploadService) discard(ss *uploadSession) {
	ss.Lock()
	defer ss.Unlock()
	if ss.file == nil {
		return
	}
	ss.file.Close()
	ss.file = nil
	if err := s.backend(ss).DeletePath(context.Background(), ss.current); err != nil {
		s.log.Warn().Err(err).Str("path", ss.current).Msg("failed to delete partial upload")
	}
}

func (s *UploadService) replyError(id, action string, err error) {
	s.log.Debug().Err(err).Str("action", action).Msg("request failed")
	ws.ReplyError(s.conn, s.Name(), id, action, err)
}

// handleError reports err and drops the file in progress.
func (s *UploadService) handleError(id, action string, err error) {
	s.replyError(id, action, err)
	if ss, ok := s.session(id); ok {
		s.discard(ss)
	}
}

func (s *UploadService) Cleanup(err error) {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*uploadSession)
	s.mu.Unlock()

	for _, ss := range sessions {
		s.discard(ss)
	}
	s.cancel()
}
