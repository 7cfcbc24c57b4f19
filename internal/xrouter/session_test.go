package xrouter

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pgrouter/pgrouter/internal/backend"
	"github.com/pgrouter/pgrouter/internal/pgwire"
)

// recordConn is a net.Conn that records writes; the session never reads from
// it directly, bytes are fed through ReadyForReading.
type recordConn struct {
	mu      sync.Mutex
	written []byte
	closed  bool
}

func (r *recordConn) Read(b []byte) (int, error) { select {} }
func (r *recordConn) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written = append(r.written, b...)
	return len(b), nil
}
func (r *recordConn) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
func (r *recordConn) LocalAddr() net.Addr              { return nil }
func (r *recordConn) RemoteAddr() net.Addr             { return nil }
func (r *recordConn) SetDeadline(time.Time) error      { return nil }
func (r *recordConn) SetReadDeadline(time.Time) error  { return nil }
func (r *recordConn) SetWriteDeadline(time.Time) error { return nil }

// messages splits the recorded bytes into typed messages, skipping the
// startup message that opens the stream.
func (r *recordConn) messages(t *testing.T) [][]byte {
	t.Helper()
	r.mu.Lock()
	buf := append([]byte{}, r.written...)
	r.mu.Unlock()

	// Skip the untagged startup message.
	if len(buf) >= 8 && pgwire.GetUint32(buf[4:]) == pgwire.ProtocolV3 {
		buf = buf[pgwire.GetUint32(buf):]
	}

	var msgs [][]byte
	for len(buf) > 0 {
		msg, rest, ok := pgwire.NextMessage(buf)
		if !ok {
			t.Fatalf("trailing partial message on wire: %v", buf)
		}
		msgs = append(msgs, msg)
		buf = rest
	}
	return msgs
}

type fakeClient struct {
	packets [][]byte
	reject  bool
}

func (f *fakeClient) Write(packet []byte) bool {
	f.packets = append(f.packets, append([]byte{}, packet...))
	return !f.reject
}

type fakeRegistry struct {
	maint       map[string]bool
	transitions int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{maint: make(map[string]bool)}
}

func (f *fakeRegistry) SetMaintenance(target, reason string) bool {
	if f.maint[target] {
		return false
	}
	f.maint[target] = true
	f.transitions++
	return true
}

func (f *fakeRegistry) InMaintenance(target string) bool { return f.maint[target] }

func isMultiNodeStub(buf []byte) bool {
	if len(buf) <= pgwire.HeaderLen || buf[0] != pgwire.Query {
		return false
	}
	sql := strings.ToUpper(string(buf[pgwire.HeaderLen:]))
	return strings.HasPrefix(sql, "CREATE") || strings.HasPrefix(sql, "DROP") ||
		strings.HasPrefix(sql, "ALTER") || strings.HasPrefix(sql, "GRANT") ||
		strings.HasPrefix(sql, "REVOKE")
}

func willRespondStub(buf []byte) bool {
	return len(buf) > 0 && (buf[0] == pgwire.Query || buf[0] == pgwire.Sync)
}

func sessionConfig() Config {
	return Config{
		MainSQL:      "SELECT pg_advisory_lock_shared(1)",
		SecondarySQL: "SELECT 1",
		LockSQL:      "SELECT pg_advisory_lock(1)",
		UnlockSQL:    "SELECT pg_advisory_unlock(1)",
		WillRespond:  willRespondStub,
		IsMultiNode:  isMultiNodeStub,
	}
}

// newRoutingBackend builds a backend connection already in the routing state.
func newRoutingBackend(t *testing.T, name string) (*backend.Conn, *recordConn) {
	t.Helper()
	c := backend.New(backend.Config{
		Target:        name,
		Addr:          "127.0.0.1:5432",
		TLSMode:       backend.TLSDisable,
		StartupParams: [][2]string{{"user", "router"}},
		WillRespond:   willRespondStub,
	})
	rc := &recordConn{}
	c.Attach(rc)
	c.ReadyForReading(pgwire.AuthenticationOk())
	c.ReadyForReading(pgwire.ReadyForQueryMessage(pgwire.TrxIdle))
	if c.State() != backend.StateRouting {
		t.Fatalf("backend %s not in routing state: %v", name, c.State())
	}
	return c, rc
}

type fixture struct {
	session  *Session
	client   *fakeClient
	registry *fakeRegistry
	conns    []*backend.Conn
	wires    []*recordConn
	killed   bool
}

// okReply is a CommandComplete + ReadyForQuery('I') pair.
func okReply() []byte {
	resp := pgwire.Message(pgwire.CommandComplete, []byte("SELECT 1\x00"))
	return append(resp, pgwire.ReadyForQueryMessage(pgwire.TrxIdle)...)
}

func errReply() []byte {
	resp := pgwire.ErrorResponseMessage("ERROR", "42601", "syntax error")
	return append(resp, pgwire.ReadyForQueryMessage(pgwire.TrxIdle)...)
}

// newFixture builds an idle session over n backends with solo pinned to the
// given index.
func newFixture(t *testing.T, n, solo int) *fixture {
	t.Helper()
	f := &fixture{client: &fakeClient{}, registry: newFakeRegistry()}

	names := []string{"pg0", "pg1", "pg2", "pg3"}
	for i := 0; i < n; i++ {
		c, rc := newRoutingBackend(t, names[i])
		f.conns = append(f.conns, c)
		f.wires = append(f.wires, rc)
	}

	f.session = New(f.client, f.conns, sessionConfig(), f.registry, nil, func() { f.killed = true })
	f.session.solo = solo

	// Complete the initialization queries.
	for _, c := range f.conns {
		c.ReadyForReading(okReply())
	}
	if f.session.State() != StateIdle {
		t.Fatalf("session not idle after init: %v", f.session.State())
	}
	return f
}

func TestInitSendsConfiguredQueries(t *testing.T) {
	f := newFixture(t, 3, 0)
	cfg := sessionConfig()

	mainMsgs := f.wires[0].messages(t)
	if len(mainMsgs) == 0 || !bytes.Equal(mainMsgs[0], pgwire.QueryMessage(cfg.MainSQL)) {
		t.Errorf("main should receive main_sql first, got %v", mainMsgs)
	}
	for i := 1; i < 3; i++ {
		msgs := f.wires[i].messages(t)
		if len(msgs) == 0 || !bytes.Equal(msgs[0], pgwire.QueryMessage(cfg.SecondarySQL)) {
			t.Errorf("secondary %d should receive secondary_sql first", i)
		}
	}
}

func TestSoloQueryRoutesToSoloOnly(t *testing.T) {
	f := newFixture(t, 3, 1)

	q := pgwire.QueryMessage("SELECT * FROM t")
	if !f.session.RouteQuery(q) {
		t.Fatal("route failed")
	}
	if f.session.State() != StateWaitSolo {
		t.Fatalf("state: got %v want %v", f.session.State(), StateWaitSolo)
	}

	// Only the solo backend saw the query.
	soloMsgs := f.wires[1].messages(t)
	if !bytes.Equal(soloMsgs[len(soloMsgs)-1], q) {
		t.Error("solo backend should have received the query")
	}
	for _, i := range []int{0, 2} {
		for _, m := range f.wires[i].messages(t) {
			if bytes.Equal(m, q) {
				t.Errorf("backend %d should not receive a single-node query", i)
			}
		}
	}

	// Complete the reply; it reaches the client verbatim.
	reply := okReply()
	f.conns[1].ReadyForReading(reply)

	if f.session.State() != StateIdle {
		t.Errorf("state after reply: got %v want %v", f.session.State(), StateIdle)
	}
	if len(f.client.packets) != 1 || !bytes.Equal(f.client.packets[0], reply) {
		t.Errorf("client packets: %v", f.client.packets)
	}
}

func TestMultiNodeSuccess(t *testing.T) {
	f := newFixture(t, 3, 0)
	cfg := sessionConfig()

	ddl := pgwire.QueryMessage("CREATE TABLE t (x INT)")
	if !f.session.RouteQuery(ddl) {
		t.Fatal("route failed")
	}
	if f.session.State() != StateLockMain {
		t.Fatalf("state: got %v want %v", f.session.State(), StateLockMain)
	}

	// Main received lock_sql; the DDL itself is still queued.
	mainMsgs := f.wires[0].messages(t)
	if !bytes.Equal(mainMsgs[len(mainMsgs)-1], pgwire.QueryMessage(cfg.LockSQL)) {
		t.Fatal("main should have received lock_sql")
	}

	// Lock acquired: the DDL goes to the main only.
	f.conns[0].ReadyForReading(okReply())
	if f.session.State() != StateWaitMain {
		t.Fatalf("state: got %v want %v", f.session.State(), StateWaitMain)
	}
	mainMsgs = f.wires[0].messages(t)
	if !bytes.Equal(mainMsgs[len(mainMsgs)-1], ddl) {
		t.Fatal("main should have received the DDL")
	}

	// Main succeeds: the DDL is replayed to both secondaries.
	mainResp := okReply()
	f.conns[0].ReadyForReading(mainResp)
	if f.session.State() != StateWaitSecondary {
		t.Fatalf("state: got %v want %v", f.session.State(), StateWaitSecondary)
	}
	for _, i := range []int{1, 2} {
		msgs := f.wires[i].messages(t)
		if !bytes.Equal(msgs[len(msgs)-1], ddl) {
			t.Errorf("secondary %d should have received the DDL", i)
		}
	}

	// Nothing for the client yet.
	if len(f.client.packets) != 0 {
		t.Fatal("client must not see intermediate responses")
	}

	// Secondaries acknowledge: the main response is delivered exactly once
	// and the main is unlocked.
	f.conns[1].ReadyForReading(okReply())
	f.conns[2].ReadyForReading(okReply())

	if f.session.State() != StateUnlockMain {
		t.Fatalf("state: got %v want %v", f.session.State(), StateUnlockMain)
	}
	if len(f.client.packets) != 1 || !bytes.Equal(f.client.packets[0], mainResp) {
		t.Errorf("client should receive the main response once: %d packets", len(f.client.packets))
	}
	mainMsgs = f.wires[0].messages(t)
	if !bytes.Equal(mainMsgs[len(mainMsgs)-1], pgwire.QueryMessage(cfg.UnlockSQL)) {
		t.Error("main should have received unlock_sql")
	}

	// Unlock completes: back to idle.
	f.conns[0].ReadyForReading(okReply())
	if f.session.State() != StateIdle {
		t.Errorf("state: got %v want %v", f.session.State(), StateIdle)
	}
}

func TestMultiNodeMainErrorSkipsSecondaries(t *testing.T) {
	f := newFixture(t, 3, 0)

	ddl := pgwire.QueryMessage("CREATE TABLE t (x INT)")
	f.session.RouteQuery(ddl)
	f.conns[0].ReadyForReading(okReply()) // lock acquired

	// Main fails the command.
	mainResp := errReply()
	f.conns[0].ReadyForReading(mainResp)

	// The error goes back to the client, secondaries see nothing.
	if len(f.client.packets) != 1 || !bytes.Equal(f.client.packets[0], mainResp) {
		t.Errorf("client should receive the main error response")
	}
	for _, i := range []int{1, 2} {
		for _, m := range f.wires[i].messages(t) {
			if bytes.Equal(m, ddl) {
				t.Errorf("secondary %d must not see a failed command", i)
			}
		}
	}

	// The main is still unlocked.
	if f.session.State() != StateUnlockMain {
		t.Fatalf("state: got %v want %v", f.session.State(), StateUnlockMain)
	}
	f.conns[0].ReadyForReading(okReply())
	if f.session.State() != StateIdle {
		t.Errorf("state: got %v", f.session.State())
	}
}

func TestSecondaryDivergenceFencesNode(t *testing.T) {
	f := newFixture(t, 3, 0)

	ddl := pgwire.QueryMessage("CREATE TABLE t (x INT)")
	f.session.RouteQuery(ddl)
	f.conns[0].ReadyForReading(okReply()) // lock
	mainResp := okReply()
	f.conns[0].ReadyForReading(mainResp) // DDL ok on main

	// pg1 acknowledges, pg2 diverges.
	f.conns[1].ReadyForReading(okReply())
	f.conns[2].ReadyForReading(errReply())

	if !f.registry.InMaintenance("pg2") {
		t.Error("diverging secondary should be in maintenance")
	}
	if f.registry.transitions != 1 {
		t.Errorf("maintenance transitions: got %d want 1", f.registry.transitions)
	}

	// The client still receives the main's non-error response.
	if len(f.client.packets) != 1 || !bytes.Equal(f.client.packets[0], mainResp) {
		t.Error("client should receive the main response despite divergence")
	}

	// Unlock, return to idle, and subsequent DDL no longer reaches pg2.
	f.conns[0].ReadyForReading(okReply())
	if f.session.State() != StateIdle {
		t.Fatalf("state: got %v", f.session.State())
	}

	before := len(f.wires[2].messages(t))
	ddl2 := pgwire.QueryMessage("DROP TABLE t")
	f.session.RouteQuery(ddl2)
	f.conns[0].ReadyForReading(okReply()) // lock
	f.conns[0].ReadyForReading(okReply()) // DDL on main
	f.conns[1].ReadyForReading(okReply()) // only remaining secondary

	if got := len(f.wires[2].messages(t)); got != before {
		t.Error("fenced backend must not receive further commands")
	}
	if f.killed {
		t.Error("session should survive a fenced secondary")
	}
}

func TestQueuedCommandsDrainAfterWait(t *testing.T) {
	f := newFixture(t, 2, 0)

	q1 := pgwire.QueryMessage("SELECT 1")
	q2 := pgwire.QueryMessage("SELECT 2")
	f.session.RouteQuery(q1)
	if f.session.State() != StateWaitSolo {
		t.Fatalf("state: %v", f.session.State())
	}

	// Second command arrives mid-flight and is queued.
	f.session.RouteQuery(q2)
	if len(f.session.queue) != 1 {
		t.Fatalf("queue depth: got %d want 1", len(f.session.queue))
	}

	// First reply drains the queue; q2 is routed and awaited.
	f.conns[0].ReadyForReading(okReply())
	if f.session.State() != StateWaitSolo {
		t.Fatalf("state after drain: %v", f.session.State())
	}
	f.conns[0].ReadyForReading(okReply())

	if len(f.client.packets) != 2 {
		t.Errorf("client should see one response per command, got %d", len(f.client.packets))
	}
	if f.session.State() != StateIdle {
		t.Errorf("state: %v", f.session.State())
	}
}

func TestSecondaryTransportErrorIsFenced(t *testing.T) {
	f := newFixture(t, 3, 0)

	f.conns[2].Error(net.ErrClosed)

	if !f.registry.InMaintenance("pg2") {
		t.Error("failed secondary should be fenced")
	}
	if !f.killed {
		t.Error("transport errors end the session")
	}
}

func TestMainFailureIsNotFenced(t *testing.T) {
	f := newFixture(t, 3, 0)

	f.conns[0].Error(net.ErrClosed)

	if f.registry.InMaintenance("pg0") {
		t.Error("the main is never fenced")
	}
	if !f.killed {
		t.Error("a failed main ends the session")
	}
}

func TestLoadDataRoutesToSolo(t *testing.T) {
	f := newFixture(t, 2, 1)

	f.session.RouteQuery(pgwire.QueryMessage("COPY t FROM STDIN"))
	if f.session.State() != StateWaitSolo {
		t.Fatalf("state: %v", f.session.State())
	}

	// Server starts a data load.
	f.conns[1].ReadyForReading(pgwire.Message(pgwire.CopyInResponse, []byte{0, 0, 0}))
	if f.session.State() != StateLoadData {
		t.Fatalf("state: got %v want %v", f.session.State(), StateLoadData)
	}

	// Client uploads; data flows to the solo node without tracking.
	data := pgwire.Message(pgwire.CopyData, []byte("1\t2\n"))
	done := pgwire.Message(pgwire.CopyDone, nil)
	f.session.RouteQuery(data)
	f.session.RouteQuery(done)

	soloMsgs := f.wires[1].messages(t)
	if !bytes.Equal(soloMsgs[len(soloMsgs)-1], done) || !bytes.Equal(soloMsgs[len(soloMsgs)-2], data) {
		t.Error("copy stream should reach the solo backend")
	}

	// Server finishes the load.
	f.conns[1].ReadyForReading(okReply())
	if f.session.State() != StateIdle {
		t.Errorf("state: %v", f.session.State())
	}
}

func TestSessionDiesWhenSoloUnusable(t *testing.T) {
	f := newFixture(t, 3, 2)

	// Fence the solo target behind the session's back.
	f.registry.SetMaintenance("pg2", "operator")

	if f.session.RouteQuery(pgwire.QueryMessage("SELECT 1")) {
		t.Error("routing must fail once the solo target is unusable")
	}
}

func TestCloseFinishesBackends(t *testing.T) {
	f := newFixture(t, 2, 0)
	f.session.Close()

	for i, rc := range f.wires {
		msgs := rc.messages(t)
		last := msgs[len(msgs)-1]
		if !bytes.Equal(last, pgwire.TerminateMessage()) {
			t.Errorf("backend %d should receive Terminate, got %v", i, last)
		}
		if !rc.closed {
			t.Errorf("backend %d socket should be closed", i)
		}
	}
}
