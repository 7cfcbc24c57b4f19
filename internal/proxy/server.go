// Package proxy owns the client-facing side: the TCP listener, the client
// startup/SSL negotiation and authentication, and the per-session event loop
// that feeds the routing state machines.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pgrouter/pgrouter/internal/auth"
	"github.com/pgrouter/pgrouter/internal/config"
	"github.com/pgrouter/pgrouter/internal/metrics"
	"github.com/pgrouter/pgrouter/internal/registry"
)

// Server is the client-facing proxy server.
type Server struct {
	registry *registry.Registry
	monitor  *registry.Monitor
	metrics  *metrics.Collector

	listener  net.Listener
	tlsConfig *tls.Config

	mu       sync.Mutex
	conf     *config.Config
	auth     *auth.Store
	sessions map[uint64]*session
	nextID   uint64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a proxy server.
func NewServer(cfg *config.Config, reg *registry.Registry, mon *registry.Monitor, m *metrics.Collector) (*Server, error) {
	store, err := auth.NewStore(cfg.Users)
	if err != nil {
		return nil, fmt.Errorf("building credential store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry: reg,
		monitor:  mon,
		metrics:  m,
		conf:     cfg,
		auth:     store,
		sessions: make(map[uint64]*session),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.Listen.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
		if err != nil {
			log.Printf("[proxy] WARNING: failed to load TLS cert/key: %v — TLS disabled", err)
		} else {
			s.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			log.Printf("[proxy] TLS enabled (cert: %s)", cfg.Listen.TLSCert)
		}
	}

	return s, nil
}

// Listen starts accepting client connections.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.conf.Listen.Bind, s.conf.Listen.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	log.Printf("[proxy] listening on %s", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[proxy] accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// UpdateConfig swaps the configuration used for new sessions. Live sessions
// keep their construction-time settings.
func (s *Server) UpdateConfig(cfg *config.Config) {
	store, err := auth.NewStore(cfg.Users)
	if err != nil {
		log.Printf("[proxy] config update: credential store rebuild failed: %v", err)
		return
	}

	s.mu.Lock()
	s.conf = cfg
	s.auth = store
	s.mu.Unlock()
}

func (s *Server) currentConfig() (*config.Config, *auth.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conf, s.auth
}

func (s *Server) registerSession(sess *session) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.sessions[s.nextID] = sess
	return s.nextID
}

func (s *Server) unregisterSession(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SessionInfo is a point-in-time description of one live session for the
// admin API.
type SessionInfo struct {
	ID         uint64    `json:"id"`
	ClientAddr string    `json:"client_addr"`
	User       string    `json:"user"`
	Database   string    `json:"database"`
	Main       string    `json:"main"`
	Solo       string    `json:"solo"`
	Started    time.Time `json:"started"`
}

// Sessions lists all live sessions.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		info := sess.info
		info.ID = id
		infos = append(infos, info)
	}
	return infos
}

// cancelRequest relays an out-of-band CancelRequest to the backend whose key
// data matches.
func (s *Server) cancelRequest(pid, secret uint32) {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		if sess.cancel(pid, secret) {
			return
		}
	}
	log.Printf("[proxy] cancel request for unknown backend %d", pid)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.kill()
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[proxy] server stopped")
}
