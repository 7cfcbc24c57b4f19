// Package backend drives one upstream PostgreSQL server connection through
// startup, TLS negotiation and authentication, and in steady state parses the
// server's reply stream into Reply events for the routing session above it.
package backend

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pgrouter/pgrouter/internal/pgwire"
)

// TLSMode controls how the connection negotiates TLS with the server.
type TLSMode string

const (
	TLSDisable TLSMode = "disable"
	TLSPrefer  TLSMode = "prefer"
	TLSRequire TLSMode = "require"
)

// ErrorType classifies a connection failure for the upstream router.
// Transport-level failures are Transient; protocol and authentication
// failures are Permanent.
type ErrorType int

const (
	Transient ErrorType = iota
	Permanent
)

func (t ErrorType) String() string {
	if t == Permanent {
		return "permanent"
	}
	return "transient"
}

// Upstream is the router interface a connection reports into. The backend
// index passed at SetUpstream time is echoed with every event so the session
// can address the connection without a back-pointer cycle.
type Upstream interface {
	// ClientReply delivers a batch of complete server messages together with
	// the current reply accumulator. Returning false requests session
	// termination.
	ClientReply(packet []byte, index int, reply *Reply) bool

	// HandleError reports a connection failure.
	HandleError(errType ErrorType, message string, index int, reply *Reply)

	// Kill terminates the session.
	Kill()
}

// State is the connection lifecycle state.
type State int

const (
	StateInit State = iota
	StateSSLRequest
	StateSSLHandshake
	StateAuth
	StateStartup
	StateRouting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSSLRequest:
		return "ssl_request"
	case StateSSLHandshake:
		return "ssl_handshake"
	case StateAuth:
		return "auth"
	case StateStartup:
		return "startup"
	case StateRouting:
		return "routing"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// TrackedQuery captures a command whose reply has not yet been observed:
// its leading tag byte and the size of the originating client buffer.
type TrackedQuery struct {
	Command byte
	Size    int
}

// Config carries everything needed to establish one backend connection.
type Config struct {
	// Target is the configured name of the server, used in logs and for
	// registry lookups.
	Target string

	// Addr is the host:port to dial.
	Addr string

	TLSMode   TLSMode
	TLSConfig *tls.Config

	ConnectTimeout time.Duration

	// StartupParams is the ordered key/value list sent in the
	// StartupMessage.
	StartupParams [][2]string

	// WillRespond reports whether a client buffer elicits a server
	// response. It must be deterministic for a given buffer.
	WillRespond func([]byte) bool
}

// Conn is a single backend connection state machine. All methods must be
// called from the single goroutine that owns the session; only Cancel is safe
// to call from elsewhere.
type Conn struct {
	cfg   Config
	conn  net.Conn
	state State
	log   *slog.Logger

	upstream Upstream
	index    int

	processID uint32
	secretKey uint32

	serverParams map[string]string

	// Outbound buffers withheld until the connection reaches routing.
	backlog [][]byte

	// Commands written but not yet being tracked by the accumulator.
	trackQueue []TrackedQuery

	reply   Reply
	readBuf []byte
}

// New creates a connection in the Init state. The upstream is attached later
// with SetUpstream, once the owning session exists.
func New(cfg Config) *Conn {
	return &Conn{
		cfg:          cfg,
		state:        StateInit,
		log:          slog.With("target", cfg.Target),
		serverParams: make(map[string]string),
		reply:        NewReply(),
	}
}

// SetUpstream wires the routing session and this connection's index within
// its backend array.
func (c *Conn) SetUpstream(u Upstream, index int) {
	c.upstream = u
	c.index = index
}

// SetPooled detaches the connection from its session. Kept for symmetry with
// CanReuse even though reuse is disabled.
func (c *Conn) SetPooled() {
	c.upstream = nil
}

// CanReuse reports whether the connection may serve another session. Always
// false: the protocol state after a session is not safely resumable.
func (c *Conn) CanReuse() bool { return false }

// CanClose reports whether the connection can be closed immediately.
func (c *Conn) CanClose() bool { return true }

func (c *Conn) State() State                    { return c.state }
func (c *Conn) Target() string                  { return c.cfg.Target }
func (c *Conn) ProcessID() uint32               { return c.processID }
func (c *Conn) SecretKey() uint32               { return c.secretKey }
func (c *Conn) ServerParams() map[string]string { return c.serverParams }
func (c *Conn) Reply() *Reply                   { return &c.reply }

// NetConn exposes the underlying socket for the owner's reader goroutine.
func (c *Conn) NetConn() net.Conn { return c.conn }

// Attach hands the freshly dialed socket to the state machine and sends the
// opening message: an SSLRequest when TLS is wanted, the StartupMessage
// otherwise.
func (c *Conn) Attach(conn net.Conn) {
	c.conn = conn

	if c.cfg.TLSMode != TLSDisable {
		c.sendSSLRequest()
	} else {
		c.sendStartup()
	}
}

// Connect dials the target and drives the state machine until it reaches
// routing or fails. The connect timeout covers the dial and the whole
// handshake.
func (c *Conn) Connect() error {
	deadline := time.Now().Add(c.cfg.ConnectTimeout)

	d := net.Dialer{Deadline: deadline}
	conn, err := d.Dial("tcp", c.cfg.Addr)
	if err != nil {
		c.handleError(fmt.Sprintf("connect to %s: %v", c.cfg.Addr, err), Transient)
		return err
	}

	c.Attach(conn)

	buf := make([]byte, 8192)
	for c.state != StateRouting && c.state != StateFailed {
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buf)
		if err != nil {
			c.handleError(fmt.Sprintf("handshake read from %s: %v", c.cfg.Target, err), Transient)
			conn.Close()
			return err
		}
		c.ReadyForReading(buf[:n])
	}

	if c.state == StateFailed {
		conn.Close()
		return fmt.Errorf("connection to %s failed during handshake", c.cfg.Target)
	}

	c.conn.SetReadDeadline(time.Time{})
	return nil
}

// ReadyForReading is the readiness callback: data is whatever the socket
// yielded, possibly a partial message. Leftover bytes are retained until the
// next call.
func (c *Conn) ReadyForReading(data []byte) {
	c.readBuf = append(c.readBuf, data...)

	// A typed message's length field includes itself; anything smaller can
	// never frame and would otherwise stall the connection.
	if c.state != StateSSLRequest && c.state != StateSSLHandshake &&
		len(c.readBuf) >= pgwire.HeaderLen && pgwire.GetUint32(c.readBuf[1:]) < 4 {
		c.handleError(fmt.Sprintf("malformed packet, length field %d",
			pgwire.GetUint32(c.readBuf[1:])), Permanent)
		return
	}

	keepGoing := true
	for keepGoing {
		switch c.state {
		case StateSSLRequest:
			keepGoing = c.handleSSLRequest()
		case StateSSLHandshake:
			// The TLS handshake completes synchronously inside
			// handleSSLRequest; nothing to read here.
			keepGoing = false
		case StateAuth:
			keepGoing = c.handleAuth()
		case StateStartup:
			keepGoing = c.handleStartup()
		case StateRouting:
			keepGoing = c.handleRouting()
		case StateFailed:
			keepGoing = false
		case StateInit:
			c.handleError("data received before attach", Permanent)
			keepGoing = false
		}
	}
}

// Error is the socket-error readiness callback.
func (c *Conn) Error(err error) {
	if c.upstream != nil {
		c.upstream.HandleError(Transient, err.Error(), c.index, &c.reply)
	}
	c.state = StateFailed
}

// Hangup is the peer-closed readiness callback.
func (c *Conn) Hangup() {
	if c.upstream != nil {
		c.upstream.HandleError(Transient, "connection closed by server", c.index, &c.reply)
	}
	c.state = StateFailed
}

// Write routes an outbound client buffer. Before the connection reaches
// routing the buffer is withheld in the backlog; afterwards it is tracked
// (when it elicits a response) and written to the socket.
func (c *Conn) Write(buf []byte) bool {
	if c.state != StateRouting {
		c.log.Debug("delaying routing", "command", string(buf[0]))
		c.backlog = append(c.backlog, buf)
		return true
	}

	if c.cfg.WillRespond != nil && c.cfg.WillRespond(buf) {
		c.trackQuery(buf)
	}

	if _, err := c.conn.Write(buf); err != nil {
		c.handleError(fmt.Sprintf("write to %s: %v", c.cfg.Target, err), Transient)
		return false
	}
	return true
}

// FinishConnection sends Terminate and closes the socket.
func (c *Conn) FinishConnection() {
	if c.conn != nil {
		c.conn.Write(pgwire.TerminateMessage())
		c.conn.Close()
	}
}

// Close closes the socket without the protocol goodbye.
func (c *Conn) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Cancel opens a fresh socket to the same target and fires the out-of-band
// CancelRequest using the process ID and secret key recorded at startup.
func (c *Conn) Cancel() error {
	if c.processID == 0 {
		return fmt.Errorf("no backend key data for %s", c.cfg.Target)
	}

	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.Dial("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("cancel dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(pgwire.CancelRequest(c.processID, c.secretKey)); err != nil {
		return fmt.Errorf("cancel write: %w", err)
	}
	return nil
}

func (c *Conn) handleError(message string, errType ErrorType) {
	if c.upstream != nil {
		c.upstream.HandleError(errType, message, c.index, &c.reply)
	} else {
		c.log.Warn("backend connection failed", "error", message, "type", errType)
	}
	c.state = StateFailed
}

func (c *Conn) sendSSLRequest() {
	if _, err := c.conn.Write(pgwire.SSLRequest()); err != nil {
		c.handleError(fmt.Sprintf("write SSL request: %v", err), Transient)
		return
	}
	c.state = StateSSLRequest
}

func (c *Conn) sendStartup() {
	if _, err := c.conn.Write(pgwire.StartupMessageOrdered(c.cfg.StartupParams)); err != nil {
		c.handleError(fmt.Sprintf("write startup message: %v", err), Transient)
		return
	}
	c.state = StateAuth
}

func (c *Conn) handleSSLRequest() bool {
	if len(c.readBuf) < 1 {
		return false
	}
	response := c.readBuf[0]
	c.readBuf = c.readBuf[1:]

	switch response {
	case pgwire.SSLRefuse:
		if c.cfg.TLSMode == TLSRequire {
			c.handleError("server refused TLS but tls mode is require", Permanent)
			break
		}
		c.sendStartup()

	case pgwire.SSLAccept:
		if len(c.readBuf) != 0 {
			// TLS record bytes must come off the raw socket, not our buffer.
			c.handleError("unexpected data after SSL response", Permanent)
			break
		}
		c.state = StateSSLHandshake
		tlsConn := tls.Client(c.conn, c.cfg.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			c.handleError(fmt.Sprintf("TLS handshake: %v", err), Permanent)
			break
		}
		c.conn = tlsConn
		c.sendStartup()

	default:
		c.handleError(fmt.Sprintf("unknown response to SSL request: %#x", response), Permanent)
	}

	return c.state != StateFailed
}

func (c *Conn) handleAuth() bool {
	msg, rest, ok := pgwire.NextMessage(c.readBuf)
	if !ok {
		return false
	}
	c.readBuf = rest

	switch msg[0] {
	case pgwire.Authentication:
		if !c.checkSize(msg, pgwire.HeaderLen+4) {
			break
		}
		method := pgwire.GetUint32(msg[pgwire.HeaderLen:])
		if method == pgwire.AuthOK {
			c.state = StateStartup
		} else {
			c.handleError(fmt.Sprintf("unsupported authentication mechanism: %d", method), Permanent)
		}

	case pgwire.ErrorResponse:
		c.handleError("authentication failed: "+pgwire.FormatResponse(msg), Permanent)

	default:
		c.handleError(fmt.Sprintf("unexpected message during authentication: %q", msg[0]), Permanent)
	}

	return c.state != StateFailed
}

func (c *Conn) handleStartup() bool {
	msg, rest, ok := pgwire.NextMessage(c.readBuf)
	if !ok {
		return false
	}
	c.readBuf = rest

	switch msg[0] {
	case pgwire.Authentication:
		if c.checkSize(msg, pgwire.HeaderLen+4) {
			method := pgwire.GetUint32(msg[pgwire.HeaderLen:])
			c.handleError(fmt.Sprintf("unexpected authentication message: %d", method), Permanent)
		}

	case pgwire.BackendKeyData:
		if c.checkSize(msg, pgwire.HeaderLen+8) {
			// Needed later to kill this connection out of band.
			c.processID = pgwire.GetUint32(msg[pgwire.HeaderLen:])
			c.secretKey = pgwire.GetUint32(msg[pgwire.HeaderLen+4:])
		}

	case pgwire.ParameterStatus:
		fieldsOf(msg, func(k, v string) {
			c.serverParams[k] = v
		})

	case pgwire.NoticeResponse:
		c.log.Info("server notification", "notice", pgwire.FormatResponse(msg))

	case pgwire.ReadyForQuery:
		c.state = StateRouting
		c.sendBacklog()

	case pgwire.ErrorResponse:
		c.handleError("startup failed: "+pgwire.FormatResponse(msg), Permanent)
	}

	return c.state != StateFailed
}

// fieldsOf walks the two null-terminated strings of a ParameterStatus payload.
func fieldsOf(msg []byte, fn func(k, v string)) {
	data := msg[pgwire.HeaderLen:]
	var parts []string
	start := 0
	for i, b := range data {
		if b == 0 {
			parts = append(parts, string(data[start:i]))
			start = i + 1
		}
	}
	if len(parts) >= 2 {
		fn(parts[0], parts[1])
	}
}

func (c *Conn) checkSize(msg []byte, bytes int) bool {
	if len(msg) >= bytes {
		return true
	}
	c.handleError(fmt.Sprintf("malformed packet, expected at least %d bytes but have only %d",
		bytes, len(msg)), Permanent)
	return false
}

func (c *Conn) trackQuery(buf []byte) {
	query := TrackedQuery{Command: buf[0], Size: len(buf)}

	if c.reply.IsComplete() {
		// The connection is idle, start tracking the result state.
		c.startTracking(query)
	} else {
		// Another command is in flight; start tracking this one once the
		// current command completes.
		c.trackQueue = append(c.trackQueue, query)
	}
}

func (c *Conn) startTracking(query TrackedQuery) {
	c.reply.Clear()
	c.reply.State = ReplyStart
	c.reply.Command = query.Command
	c.reply.BytesOut += uint64(query.Size)
}

func (c *Conn) trackNextResult() bool {
	if len(c.trackQueue) == 0 {
		return false
	}
	c.startTracking(c.trackQueue[0])
	c.trackQueue = c.trackQueue[1:]
	return true
}

// sendBacklog re-submits writes withheld before routing, in order. A write
// may itself drive the state out of routing again; the remainder then stays
// in the backlog.
func (c *Conn) sendBacklog() {
	packets := c.backlog
	c.backlog = nil

	for i, packet := range packets {
		if !c.Write(packet) {
			return
		}
		if c.state != StateRouting {
			c.backlog = append(c.backlog, packets[i+1:]...)
			return
		}
	}
}

func (c *Conn) handleRouting() bool {
	batch := c.processMessages()
	if len(batch) == 0 {
		// Not even one complete message; wait for more bytes.
		return false
	}

	if !c.upstream.ClientReply(batch, c.index, &c.reply) {
		c.log.Debug("routing the reply failed, closing session")
		c.upstream.Kill()
		return false
	}

	if c.state != StateRouting {
		// The connection was closed as a result of the ClientReply call.
		return false
	}

	if c.reply.IsComplete() {
		// If another command was executed, try to route its response too.
		return c.trackNextResult()
	}
	return false
}

// processMessages consumes complete messages from the read buffer, applying
// each one to the reply accumulator, and returns them as one batch. It stops
// at the end of the current command's response so each result is delivered in
// its own ClientReply call.
func (c *Conn) processMessages() []byte {
	size := 0
	buf := c.readBuf

	for !c.reply.IsComplete() {
		msg, rest, ok := pgwire.NextMessage(buf)
		if !ok {
			break
		}
		c.applyMessage(msg)
		size += len(msg)
		buf = rest
	}

	if size == 0 {
		return nil
	}

	batch := c.readBuf[:size]
	c.readBuf = c.readBuf[size:]
	c.reply.BytesIn += uint64(size)
	return batch
}

func (c *Conn) applyMessage(msg []byte) {
	switch msg[0] {
	case pgwire.ErrorResponse:
		fields := pgwire.ResponseFields(msg)
		c.reply.SetError(1, fields['C'], fields['M'])

	case pgwire.NoticeResponse:
		c.reply.Warnings++

	case pgwire.ReadyForQuery:
		if len(msg) > pgwire.HeaderLen {
			c.reply.Variables[pgwire.TrxStateVariable] = string(msg[pgwire.HeaderLen : pgwire.HeaderLen+1])
		}
		c.reply.State = ReplyDone

		// No rows and no errors means it's an "OK response".
		if c.reply.RowsRead == 0 && c.reply.Err == nil {
			c.reply.IsOK = true
		}

	case pgwire.DataRow:
		c.reply.State = ReplyRows
		c.reply.RowsRead++

	case pgwire.RowDescription:
		c.reply.State = ReplyColdef
		if len(msg) >= pgwire.HeaderLen+2 {
			c.reply.FieldCount += uint32(pgwire.GetUint16(msg[pgwire.HeaderLen:]))
		}

	case pgwire.CopyInResponse:
		c.reply.State = ReplyLoadData
	}
}
