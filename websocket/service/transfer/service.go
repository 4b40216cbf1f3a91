// Package transfer submits jobs to the transfer queue and streams job events
// back to the client.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"filebridge/bridge"
	"filebridge/events"
	"filebridge/logging"
	"filebridge/transfer"
	ws "filebridge/websocket"
)

const (
	actionCopy      = "copy"
	actionMove      = "move"
	actionSaveAs    = "save_as"
	actionSelection = "submit_selection"
	actionAbort     = "abort"
	actionStatus    = "status"
	actionJobs      = "jobs"
	actionPrune     = "prune"
	actionEvent     = "event"
)

type source struct {
	Side bridge.Side `json:"side"`
	Path string      `json:"path"`
}

type submitData struct {
	Entries    []source    `json:"entries"`
	Dest       string      `json:"dest"`
	DestSide   bridge.Side `json:"destSide"`
	Exact      bool        `json:"exact,omitempty"`
	BestEffort bool        `json:"bestEffort,omitempty"`
}

type selectionData struct {
	Op         transfer.Op `json:"op"`
	BestEffort bool        `json:"bestEffort,omitempty"`
}

type jobData struct {
	Job string `json:"job"`
}

type jobsResult struct {
	Jobs []transfer.Status `json:"jobs"`
}

type pruneResult struct {
	Pruned int `json:"pruned"`
}

type TransferService struct {
	conn   ws.Writer
	bridge *bridge.Bridge
	queue  *transfer.Queue
	bus    *events.Bus
	events <-chan events.Event

	ctx    context.Context
	cancel context.CancelFunc

	log zerolog.Logger
}

func NewService(b *bridge.Bridge, q *transfer.Queue, bus *events.Bus) *TransferService {
	ctx, cancel := context.WithCancel(context.Background())
	return &TransferService{
		bridge: b,
		queue:  q,
		bus:    bus,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.For("transfer-ws"),
	}
}

// Register starts forwarding job events to conn.
func (s *TransferService) Register(conn ws.Writer) {
	s.conn = conn
	s.events = s.bus.Subscribe(events.JobProgress, events.JobCompleted, events.JobFailed)

	go func() {
		for e := range s.events {
			ws.Reply(s.conn, s.Name(), e.JobID, actionEvent, e)
		}
	}()
}

func (s *TransferService) Name() string {
	return "transfer"
}

// Cleanup stops the event stream. Jobs keep running; they belong to the
// workspace, not to the connection.
func (s *TransferService) Cleanup(err error) {
	s.cancel()
	if s.events != nil {
		s.bus.Unsubscribe(s.events)
	}
}

func (s *TransferService) HandleTextMessage(id, action string, data json.RawMessage) {
	switch action {
	case actionCopy:
		go s.handleSubmit(id, action, transfer.Copy, data)
	case actionMove:
		go s.handleSubmit(id, action, transfer.Move, data)
	case actionSaveAs:
		go s.handleSubmit(id, action, transfer.SaveAs, data)
	case actionSelection:
		s.handleSelection(id, data)
	case actionAbort:
		s.handleAbort(id, data)
	case actionStatus:
		s.handleStatus(id, data)
	case actionJobs:
		ws.Reply(s.conn, s.Name(), id, actionJobs, jobsResult{Jobs: s.queue.Jobs()})
	case actionPrune:
		ws.Reply(s.conn, s.Name(), id, actionPrune, pruneResult{Pruned: s.queue.Prune()})
	default:
		s.log.Debug().Str("action", action).Msg("unknown action")
	}
}

func (s *TransferService) handleError(id, action string, err error) {
	s.log.Debug().Err(err).Str("action", action).Msg("request failed")
	ws.ReplyError(s.conn, s.Name(), id, action, err)
}

func (s *TransferService) handleSubmit(id, action string, op transfer.Op, data json.RawMessage) {
	var d submitData
	if err := ws.Decode(data, &d); err != nil {
		s.handleError(id, action, fmt.Errorf("invalid %s payload: %w", action, err))
		return
	}

	entries := make([]bridge.Entry, 0, len(d.Entries))
	for _, src := range d.Entries {
		e, err := s.bridge.Stat(s.ctx, src.Side, src.Path)
		if err != nil {
			s.handleError(id, action, err)
			return
		}
		entries = append(entries, e)
	}

	job, err := s.queue.Submit(transfer.Request{
		Op:         op,
		Entries:    entries,
		Dest:       d.Dest,
		DestSide:   d.DestSide,
		Exact:      d.Exact,
		BestEffort: d.BestEffort,
	})
	if err != nil {
		s.handleError(id, action, err)
		return
	}
	ws.Reply(s.conn, s.Name(), id, action, job.Status())
}

func (s *TransferService) handleSelection(id string, data json.RawMessage) {
	var d selectionData
	if err := ws.Decode(data, &d); err != nil {
		s.handleError(id, actionSelection, fmt.Errorf("invalid selection payload: %w", err))
		return
	}
	job, err := s.queue.SubmitSelection(d.Op, d.BestEffort)
	if err != nil {
		s.handleError(id, actionSelection, err)
		return
	}
	ws.Reply(s.conn, s.Name(), id, actionSelection, job.Status())
}

func (s *TransferService) job(id, action string, data json.RawMessage) (*transfer.Job, bool) {
	var d jobData
	if err := ws.Decode(data, &d); err != nil {
		s.handleError(id, action, fmt.Errorf("invalid %s payload: %w", action, err))
		return nil, false
	}
	job, ok := s.queue.Job(d.Job)
	if !ok {
		s.handleError(id, action, fmt.Errorf("unknown job %q", d.Job))
		return nil, false
	}
	return job, true
}

func (s *TransferService) handleAbort(id string, data json.RawMessage) {
	job, ok := s.job(id, actionAbort, data)
	if !ok {
		return
	}
	job.Abort()
	ws.Reply(s.conn, s.Name(), id, actionAbort, job.Status())
}

func (s *TransferService) handleStatus(id string, data json.RawMessage) {
	job, ok := s.job(id, actionStatus, data)
	if !ok {
		return
	}
	ws.Reply(s.conn, s.Name(), id, actionStatus, job.Status())
}
