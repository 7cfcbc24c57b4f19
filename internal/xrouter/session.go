// Package xrouter implements the per-client routing session. Single-node
// commands go to one randomly elected backend; multi-node (DDL-class)
// commands are serialized under a logical lock on the main backend and then
// replayed to every in-use secondary, with divergent secondaries fenced.
package xrouter

import (
	"log/slog"
	"math/rand"

	"github.com/pgrouter/pgrouter/internal/backend"
	"github.com/pgrouter/pgrouter/internal/metrics"
	"github.com/pgrouter/pgrouter/internal/pgwire"
)

// State is the session routing state.
type State int

const (
	StateInit State = iota
	StateIdle
	StateSolo
	StateWaitSolo
	StateLoadData
	StateLockMain
	StateUnlockMain
	StateMain
	StateWaitMain
	StateWaitSecondary
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateSolo:
		return "solo"
	case StateWaitSolo:
		return "wait_solo"
	case StateLoadData:
		return "load_data"
	case StateLockMain:
		return "lock_main"
	case StateUnlockMain:
		return "unlock_main"
	case StateMain:
		return "main"
	case StateWaitMain:
		return "wait_main"
	case StateWaitSecondary:
		return "wait_secondary"
	}
	return "unknown"
}

// ResponseType is the disposition recorded for a command written to a
// backend: whether a response is expected and, if so, whether it is routed to
// the client or consumed by the session itself.
type ResponseType int

const (
	NoResponse ResponseType = iota
	ExpectResponse
	IgnoreResponse
)

// Client is the downstream client connection replies are delivered to.
// Write returning false requests session termination.
type Client interface {
	Write(packet []byte) bool
}

// Registry is the server registry used for fencing.
type Registry interface {
	// SetMaintenance places a target into maintenance mode. It reports
	// whether this call performed the transition.
	SetMaintenance(target, reason string) bool

	// InMaintenance reports whether the target is in maintenance mode.
	InMaintenance(target string) bool
}

// Config carries the session-level routing configuration: the four SQL
// templates and the two classifier predicates.
type Config struct {
	MainSQL      string
	SecondarySQL string
	LockSQL      string
	UnlockSQL    string

	WillRespond func([]byte) bool
	IsMultiNode func([]byte) bool
}

// node wraps one backend connection with the session-side bookkeeping: the
// FIFO of response dispositions for in-flight commands and the in-use flag.
type node struct {
	conn    *backend.Conn
	inUse   bool
	fatal   bool
	pending []ResponseType
}

func (n *node) write(packet []byte, rt ResponseType) bool {
	if rt != NoResponse {
		n.pending = append(n.pending, rt)
	}
	return n.conn.Write(packet)
}

func (n *node) isIdle() bool {
	return !n.inUse || len(n.pending) == 0
}

func (n *node) ackWrite() {
	if len(n.pending) > 0 {
		n.pending = n.pending[1:]
	}
}

func (n *node) isExpectedResponse() bool {
	return len(n.pending) > 0 && n.pending[0] == ExpectResponse
}

func (n *node) close(fatal bool) {
	if n.inUse {
		n.conn.Close()
		n.inUse = false
	}
	if fatal {
		n.fatal = true
	}
}

// Session is the per-client routing state machine. It implements
// backend.Upstream; all methods run on the session's event-loop goroutine.
type Session struct {
	state    State
	backends []*node
	main     int
	solo     int

	// Client commands held while the session is in a lock or wait state.
	queue [][]byte

	// Buffers of the current multi-node command, kept for secondary replay.
	packets [][]byte

	// Accumulated main response for the current multi-node command.
	response []byte

	cfg      Config
	client   Client
	registry Registry
	metrics  *metrics.Collector
	log      *slog.Logger

	killFn func()
	killed bool
}

// New builds a session over N >= 1 connected backends. Element 0 is the main;
// the solo backend is elected uniformly at random. The initialization queries
// are sent immediately and the session starts in the init state.
func New(client Client, conns []*backend.Conn, cfg Config, reg Registry, m *metrics.Collector, killFn func()) *Session {
	s := &Session{
		state:    StateInit,
		main:     0,
		solo:     rand.Intn(len(conns)),
		cfg:      cfg,
		client:   client,
		registry: reg,
		metrics:  m,
		log:      slog.Default(),
		killFn:   killFn,
	}

	for i, c := range conns {
		n := &node{conn: c, inUse: true}
		s.backends = append(s.backends, n)
		c.SetUpstream(s, i)
	}

	for i, b := range s.backends {
		sql := cfg.SecondarySQL
		if i == s.main {
			sql = cfg.MainSQL
		}
		s.sendQuery(b, sql)
	}

	return s
}

// State returns the current routing state.
func (s *Session) State() State { return s.state }

// InUse reports whether the backend at the given index still participates in
// routing. Events from dropped backends are not interesting.
func (s *Session) InUse(index int) bool {
	return index >= 0 && index < len(s.backends) && s.backends[index].inUse
}

// SoloTarget returns the name of the backend serving single-node commands.
func (s *Session) SoloTarget() string { return s.backends[s.solo].conn.Target() }

// MainTarget returns the name of the main backend.
func (s *Session) MainTarget() string { return s.backends[s.main].conn.Target() }

// RouteQuery is the entry point for one client command buffer.
func (s *Session) RouteQuery(packet []byte) bool {
	if !s.backends[s.main].inUse || !s.backends[s.solo].inUse {
		s.log.Info("main node or the single-target node is no longer in use, closing session")
		return false
	}

	ok := true

	switch s.state {
	case StateIdle:
		if !s.checkNodeStatus() {
			ok = false
		} else if s.cfg.IsMultiNode(packet) {
			// Lock the main node before the DDL so the operations are
			// serialized with respect to it.
			s.log.Debug("multi-node command, locking main node")
			s.state = StateLockMain
			ok = s.sendQuery(s.backends[s.main], s.cfg.LockSQL)
			s.queue = append(s.queue, packet)
			if s.metrics != nil {
				s.metrics.CommandRouted("multi")
			}
		} else {
			s.state = StateSolo
			ok = s.routeSolo(packet)
			if s.metrics != nil {
				s.metrics.CommandRouted("single")
			}
		}

	case StateSolo:
		// More packets belonging to the single-node command; keep routing
		// until one generates a response.
		ok = s.routeSolo(packet)

	case StateLoadData:
		// The client is uploading data; route it to the solo node until the
		// server responds.
		ok = s.routeToOne(s.backends[s.solo], packet, NoResponse)

	case StateMain:
		// More packets belonging to the multi-node command.
		ok = s.routeMain(packet)

	default:
		s.log.Debug("queuing client command", "state", s.state.String(), "command", string(packet[0]))
		s.queue = append(s.queue, packet)
	}

	return ok
}

func (s *Session) routeSolo(packet []byte) bool {
	rt := NoResponse
	if s.cfg.WillRespond(packet) {
		rt = ExpectResponse
		s.state = StateWaitSolo
	}
	return s.routeToOne(s.backends[s.solo], packet, rt)
}

func (s *Session) routeMain(packet []byte) bool {
	rt := NoResponse
	if s.cfg.WillRespond(packet) {
		// The session assembles its own response for the client.
		rt = IgnoreResponse
		s.state = StateWaitMain
	}

	s.packets = append(s.packets, packet)
	return s.routeToOne(s.backends[s.main], packet, rt)
}

func (s *Session) routeSecondary() bool {
	ok := true
	s.log.Debug("routing to secondary backends")

	for i, b := range s.backends {
		if !b.inUse || i == s.main {
			continue
		}
		for _, packet := range s.packets {
			rt := NoResponse
			if s.cfg.WillRespond(packet) {
				rt = IgnoreResponse
			}
			if !s.routeToOne(b, packet, rt) {
				ok = false
			}
		}
		if s.metrics != nil {
			s.metrics.SecondaryReplay(b.conn.Target())
		}
	}

	return ok
}

func (s *Session) routeToOne(b *node, packet []byte, rt ResponseType) bool {
	s.log.Debug("route to backend", "target", b.conn.Target(), "command", string(packet[0]))
	return b.write(packet, rt)
}

// ClientReply consumes one reply batch from a backend. Implements
// backend.Upstream.
func (s *Session) ClientReply(packet []byte, index int, reply *backend.Reply) bool {
	b := s.backends[index]
	rv := true
	route := b.isExpectedResponse()
	complete := reply.IsComplete()

	if complete {
		b.ackWrite()
		s.log.Debug("reply complete", "target", b.conn.Target(), "reply", reply.Describe())
	} else {
		s.log.Debug("partial reply", "target", b.conn.Target())
	}

	out := packet

	switch s.state {
	case StateInit:
		if s.allBackendsIdle() {
			// All initialization queries complete, proceed with normal
			// routing.
			s.state = StateIdle
		}

	case StateSolo, StateLoadData, StateWaitSolo:
		if complete {
			// The final response to the command; queued queries are routed
			// after it is delivered.
			s.state = StateIdle
		} else if reply.State == backend.ReplyLoadData {
			s.log.Debug("data load starting, waiting for more data from the client")

			// The state may already be LoadData when one query starts
			// multiple data loads.
			s.state = StateLoadData
			rv = s.routeQueued()
		}

	case StateLockMain:
		if complete {
			s.log.Debug("main node locked, routing query to main node")
			s.state = StateMain
			rv = s.routeQueued()
		}

	case StateUnlockMain:
		if complete {
			s.log.Debug("main node unlocked, returning to normal routing")
			s.state = StateIdle
		}

	case StateMain, StateWaitMain:
		s.response = append(s.response, out...)
		out = nil

		if complete {
			if reply.Err != nil {
				// The command failed, don't propagate the change.
				s.log.Debug("multi-node command failed", "reply", reply.Describe())
				route = true
				out = s.finishMultiNode()
			} else {
				s.state = StateWaitSecondary
				rv = s.routeSecondary()

				// With no in-use secondaries there is nothing to wait for.
				if rv && s.allBackendsIdle() {
					route = true
					out = s.finishMultiNode()
				}
			}
		}

	case StateWaitSecondary:
		if complete {
			if reply.Err != nil {
				s.log.Debug("command failed on secondary",
					"target", b.conn.Target(), "reply", reply.Describe())
				s.fenceBadNode(b)
			}

			if s.allBackendsIdle() {
				// Every backend has responded; deliver the accumulated
				// response.
				s.log.Debug("multi-node command complete")
				route = true
				out = s.finishMultiNode()
			}
		}

	default:
		s.log.Warn("unexpected response", "state", s.state.String(), "reply", reply.Describe())
		s.Kill()
		rv = false
	}

	if rv && route {
		rv = s.client.Write(out)
	}

	if rv && complete && s.state == StateIdle {
		rv = s.routeQueued()
	}

	return rv
}

// HandleError consumes a connection failure from a backend. Implements
// backend.Upstream. A failed secondary is fenced; a failed main ends the
// session either way.
func (s *Session) HandleError(errType backend.ErrorType, message string, index int, reply *backend.Reply) {
	b := s.backends[index]
	s.log.Warn("backend connection failure",
		"target", b.conn.Target(), "type", errType.String(), "error", message)

	if s.metrics != nil {
		s.metrics.BackendError(b.conn.Target(), errType.String())
	}

	if index != s.main {
		s.fenceBadNode(b)
	}

	s.Kill()
}

// Kill terminates the session through the owner's hook. Implements
// backend.Upstream.
func (s *Session) Kill() {
	if s.killed {
		return
	}
	s.killed = true
	if s.killFn != nil {
		s.killFn()
	}
}

// Close releases every backend: a clean protocol goodbye for live
// connections, and nothing for those already closed.
func (s *Session) Close() {
	for _, b := range s.backends {
		if b.inUse {
			b.conn.SetPooled()
			b.conn.FinishConnection()
			b.inUse = false
		}
	}
}

func (s *Session) routeQueued() bool {
	ok := true
	again := true

	for len(s.queue) > 0 && ok && again {
		packet := s.queue[0]
		s.queue = s.queue[1:]
		ok = s.RouteQuery(packet)

		switch s.state {
		case StateUnlockMain, StateLockMain, StateWaitSolo, StateWaitMain, StateWaitSecondary:
			again = false
		}
	}

	if !ok {
		s.log.Info("failed to route queued queries")
		s.Kill()
	}

	return ok
}

func (s *Session) allBackendsIdle() bool {
	for _, b := range s.backends {
		if !b.isIdle() {
			return false
		}
	}
	return true
}

func (s *Session) sendQuery(b *node, sql string) bool {
	return s.routeToOne(b, pgwire.QueryMessage(sql), IgnoreResponse)
}

// fenceBadNode excludes a backend from routing: its target is placed into
// maintenance mode (once) and the connection is closed with a fatal
// disposition. The main backend is never fenced by this path.
func (s *Session) fenceBadNode(b *node) {
	target := b.conn.Target()

	if !s.registry.InMaintenance(target) {
		if s.registry.SetMaintenance(target, "excluded from routing after a failed command") {
			s.log.Warn("server has failed, excluded from routing and now in maintenance mode",
				"target", target)
			if s.metrics != nil {
				s.metrics.NodeFenced(target)
			}
		}
	}

	b.close(true)
}

// checkNodeStatus drops in-use backends whose target can no longer serve
// connections. The session survives as long as the main and solo backends
// remain in use.
func (s *Session) checkNodeStatus() bool {
	for _, b := range s.backends {
		if b.inUse && !s.canConnect(b) {
			b.close(false)
		}
	}

	return s.backends[s.main].inUse && s.backends[s.solo].inUse
}

func (s *Session) canConnect(b *node) bool {
	return !b.fatal && !s.registry.InMaintenance(b.conn.Target())
}

// finishMultiNode concludes the current multi-node command: the accumulated
// response becomes the client-visible packet, the replay buffers are cleared
// and the main is unlocked.
func (s *Session) finishMultiNode() []byte {
	packet := s.response
	s.response = nil
	s.packets = nil
	s.state = StateUnlockMain
	s.log.Debug("unlocking main backend")

	if !s.sendQuery(s.backends[s.main], s.cfg.UnlockSQL) {
		s.log.Info("failed to unlock main backend, next query will close the session")
		s.backends[s.main].close(true)
	}

	return packet
}
