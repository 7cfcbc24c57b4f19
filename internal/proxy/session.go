package proxy

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pgrouter/pgrouter/internal/backend"
	"github.com/pgrouter/pgrouter/internal/classify"
	"github.com/pgrouter/pgrouter/internal/config"
	"github.com/pgrouter/pgrouter/internal/pgwire"
	"github.com/pgrouter/pgrouter/internal/registry"
	"github.com/pgrouter/pgrouter/internal/xrouter"
)

type eventKind int

const (
	evClientData eventKind = iota
	evClientErr
	evBackendData
	evBackendErr
)

type event struct {
	kind eventKind
	idx  int
	data []byte
	err  error
}

// session owns one client connection, its backend connections and the
// routing state machine. All FSM calls happen on the run goroutine; reader
// goroutines only deliver events.
type session struct {
	client net.Conn
	conns  []*backend.Conn
	router *xrouter.Session
	info   SessionInfo

	events    chan event
	killCh    chan struct{}
	killOnce  sync.Once
	clientBuf []byte
}

func (s *Server) handleConnection(clientConn net.Conn) {
	defer clientConn.Close()

	res, err := s.readStartupMessage(clientConn)
	if err != nil {
		slog.Info("client startup failed", "addr", clientConn.RemoteAddr(), "error", err)
		return
	}

	if res.isCancel {
		s.cancelRequest(res.cancelPID, res.cancelSecret)
		return
	}

	clientConn = res.conn
	cfg, store := s.currentConfig()

	user := res.params["user"]
	if user == "" {
		sendFatal(clientConn, "08P01", "no user in startup message")
		return
	}

	if err := authenticateClient(clientConn, store, user); err != nil {
		slog.Info("client authentication failed", "addr", clientConn.RemoteAddr(), "user", user, "error", err)
		return
	}

	sess, err := s.newSession(clientConn, cfg, res.params, user)
	if err != nil {
		slog.Warn("session setup failed", "addr", clientConn.RemoteAddr(), "error", err)
		sendFatal(clientConn, "08000", err.Error())
		return
	}

	id := s.registerSession(sess)
	defer s.unregisterSession(id)

	if s.metrics != nil {
		s.metrics.SessionOpened()
		defer s.metrics.SessionClosed()
	}

	slog.Info("session started", "id", id, "addr", clientConn.RemoteAddr(),
		"user", user, "main", sess.info.Main, "solo", sess.info.Solo)
	sess.run()
	slog.Info("session ended", "id", id, "addr", clientConn.RemoteAddr())
}

// newSession connects one backend per usable target and builds the routing
// session over them. The first configured target is the main and must be
// available; unusable secondaries are skipped.
func (s *Server) newSession(clientConn net.Conn, cfg *config.Config, params map[string]string, user string) (*session, error) {
	targets := s.registry.Targets()

	database := params["database"]
	if database == "" {
		database = cfg.Startup.Database
	}
	startupParams := [][2]string{
		{"user", cfg.Startup.User},
		{"database", database},
		{"application_name", cfg.Startup.ApplicationName},
	}

	var conns []*backend.Conn
	for i, target := range targets {
		usable := !s.registry.InMaintenance(target.Name) &&
			(s.monitor == nil || s.monitor.IsHealthy(target.Name))
		if !usable {
			if i == 0 {
				return nil, fmt.Errorf("main target %q is not available", target.Name)
			}
			slog.Info("skipping unusable target", "target", target.Name)
			continue
		}

		conn := backend.New(backend.Config{
			Target:         target.Name,
			Addr:           target.Addr(),
			TLSMode:        backend.TLSMode(target.TLS),
			TLSConfig:      backendTLSConfig(target),
			ConnectTimeout: target.ConnectTimeout,
			StartupParams:  startupParams,
			WillRespond:    classify.WillRespond,
		})

		start := time.Now()
		if err := conn.Connect(); err != nil {
			if i == 0 {
				return nil, fmt.Errorf("connecting to main target %q: %w", target.Name, err)
			}
			slog.Warn("skipping unreachable target", "target", target.Name, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.ConnectDuration(target.Name, time.Since(start))
		}

		conns = append(conns, conn)
	}

	if len(conns) == 0 {
		return nil, fmt.Errorf("no backend targets available")
	}

	sess := &session{
		client: clientConn,
		conns:  conns,
		events: make(chan event, 64),
		killCh: make(chan struct{}),
	}

	sess.router = xrouter.New(sess, conns, xrouter.Config{
		MainSQL:      cfg.Router.MainSQL,
		SecondarySQL: cfg.Router.SecondarySQL,
		LockSQL:      cfg.Router.LockSQL,
		UnlockSQL:    cfg.Router.UnlockSQL,
		WillRespond:  classify.WillRespond,
		IsMultiNode:  classify.IsMultiNode,
	}, s.registry, s.metrics, sess.kill)

	// The client sees a single synthetic backend: auth-ok, the main's server
	// parameters and key data, then ready-for-query.
	main := conns[0]
	var greeting []byte
	greeting = append(greeting, pgwire.AuthenticationOk()...)
	for key, val := range main.ServerParams() {
		greeting = append(greeting, pgwire.ParameterStatusMessage(key, val)...)
	}
	greeting = append(greeting, pgwire.BackendKeyDataMessage(main.ProcessID(), main.SecretKey())...)
	greeting = append(greeting, pgwire.ReadyForQueryMessage(pgwire.TrxIdle)...)
	if _, err := clientConn.Write(greeting); err != nil {
		sess.router.Close()
		return nil, fmt.Errorf("writing greeting: %w", err)
	}

	sess.info = SessionInfo{
		ClientAddr: clientConn.RemoteAddr().String(),
		User:       user,
		Database:   database,
		Main:       sess.router.MainTarget(),
		Solo:       sess.router.SoloTarget(),
		Started:    time.Now(),
	}

	return sess, nil
}

// backendTLSConfig builds the TLS client config for a target. Matching the
// usual sslmode=prefer/require semantics, the channel is encrypted but the
// server certificate is not verified.
func backendTLSConfig(target registry.Target) *tls.Config {
	if target.TLS == string(backend.TLSDisable) {
		return nil
	}
	return &tls.Config{
		ServerName:         target.Host,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

// run pumps events into the state machines until the session dies.
func (sess *session) run() {
	defer sess.router.Close()
	defer sess.kill()

	for i, c := range sess.conns {
		go sess.backendReader(i, c.NetConn())
	}
	go sess.clientReader()

	for {
		select {
		case <-sess.killCh:
			return

		case ev := <-sess.events:
			switch ev.kind {
			case evClientData:
				if !sess.feedClient(ev.data) {
					return
				}

			case evClientErr:
				return

			case evBackendData:
				if sess.router.InUse(ev.idx) {
					sess.conns[ev.idx].ReadyForReading(ev.data)
				}

			case evBackendErr:
				// A backend the session already dropped may error as its
				// socket closes; that is not an event.
				if sess.router.InUse(ev.idx) {
					sess.conns[ev.idx].Error(ev.err)
				}
			}
		}
	}
}

// feedClient frames client bytes into whole messages and routes each one.
func (sess *session) feedClient(data []byte) bool {
	sess.clientBuf = append(sess.clientBuf, data...)

	for {
		msg, rest, ok := pgwire.NextMessage(sess.clientBuf)
		if !ok {
			return true
		}
		sess.clientBuf = rest

		if msg[0] == pgwire.Terminate {
			return false
		}
		if !sess.router.RouteQuery(msg) {
			return false
		}

		select {
		case <-sess.killCh:
			return false
		default:
		}
	}
}

// Write delivers a response batch to the client. Implements xrouter.Client.
func (sess *session) Write(packet []byte) bool {
	_, err := sess.client.Write(packet)
	return err == nil
}

func (sess *session) kill() {
	sess.killOnce.Do(func() {
		close(sess.killCh)
	})
}

// cancel fires an out-of-band CancelRequest if one of this session's
// backends matches the key data.
func (sess *session) cancel(pid, secret uint32) bool {
	for _, c := range sess.conns {
		if c.ProcessID() == pid && c.SecretKey() == secret {
			if err := c.Cancel(); err != nil {
				slog.Warn("cancel request failed", "target", c.Target(), "error", err)
			}
			return true
		}
	}
	return false
}

func (sess *session) backendReader(idx int, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte{}, buf[:n]...)
			select {
			case sess.events <- event{kind: evBackendData, idx: idx, data: data}:
			case <-sess.killCh:
				return
			}
		}
		if err != nil {
			select {
			case sess.events <- event{kind: evBackendErr, idx: idx, err: err}:
			case <-sess.killCh:
			}
			return
		}
	}
}

func (sess *session) clientReader() {
	buf := make([]byte, 32*1024)
	for {
		n, err := sess.client.Read(buf)
		if n > 0 {
			data := append([]byte{}, buf[:n]...)
			select {
			case sess.events <- event{kind: evClientData, data: data}:
			case <-sess.killCh:
				return
			}
		}
		if err != nil {
			select {
			case sess.events <- event{kind: evClientErr, err: err}:
			case <-sess.killCh:
			}
			return
		}
	}
}
