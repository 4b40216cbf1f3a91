package websocket

import (
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Server multiplexes services over one connection. Messages of active
// services count as activity; passive ones (heartbeat) do not keep an idle
// session open.
type Server struct {
	conn *Conn
	// written during setup only
	services       map[string]Service
	activeServices []string

	timeout    time.Duration
	lastActive atomic.Int64

	log zerolog.Logger
}

func NewServer(w http.ResponseWriter, r *http.Request, timeout time.Duration) (*Server, error) {
	conn, err := NewConn(w, r)
	if err != nil {
		return nil, err
	}
	return newServer(conn, timeout), nil
}

func newServer(conn *Conn, timeout time.Duration) *Server {
	s := &Server{
		conn:     conn,
		services: make(map[string]Service),
		timeout:  timeout,
		log:      conn.log,
	}
	s.touch()
	return s
}

func (s *Server) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Server) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

func (s *Server) Register(service Service) {
	s.RegisterPassive(service)
	s.activeServices = append(s.activeServices, service.Name())
}

func (s *Server) RegisterPassive(service Service) {
	if _, exists := s.services[service.Name()]; exists {
		s.log.Warn().Str("service", service.Name()).Msg("service already registered")
		return
	}

	service.Register(s.conn)
	s.services[service.Name()] = service
}

func (s *Server) checkTimeout(done <-chan struct{}) {
	if s.timeout <= 0 {
		return
	}
	tick := s.timeout / 6
	if tick > 10*time.Second {
		tick = 10 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.idle() > s.timeout {
				s.log.Info().Dur("idle", s.idle()).Msg("closing idle session")
				s.conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) dispatch() {
	text, binary := s.conn.TextMessage, s.conn.BinaryMessage
	for text != nil || binary != nil {
		select {
		case msg, ok := <-text:
			if !ok {
				text = nil
				continue
			}
			s.handleText(msg)
		case data, ok := <-binary:
			if !ok {
				binary = nil
				continue
			}
			s.handleBinary(data)
		}
	}
}

func (s *Server) handleText(msg *ServiceMessage) {
	if slices.Contains(s.activeServices, msg.Service) {
		s.touch()
	}
	svc, exists := s.services[msg.Service]
	if !exists {
		s.log.Debug().Str("service", msg.Service).Msg("message for unknown service")
		return
	}
	svc.HandleTextMessage(msg.Id, msg.Action, msg.Data)
}

func (s *Server) handleBinary(data []byte) {
	s.touch()
	for _, svc := range s.services {
		if b, ok := svc.(BinaryService); ok {
			b.HandleBinaryMessage(data)
			return
		}
	}
}

// Start serves the connection until it fails or idles out, then cleans up
// every service.
func (s *Server) Start() {
	done := make(chan struct{})
	dispatched := make(chan struct{})
	go s.checkTimeout(done)
	go func() {
		s.dispatch()
		close(dispatched)
	}()

	err := s.conn.StartDispatch()
	close(done)
	<-dispatched
	s.conn.Close()

	s.log.Info().Err(err).Msg("session ended")
	for _, svc := range s.services {
		svc.Cleanup(err)
	}
}
