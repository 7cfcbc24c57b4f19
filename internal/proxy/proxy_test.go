package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pgrouter/pgrouter/internal/config"
	"github.com/pgrouter/pgrouter/internal/metrics"
	"github.com/pgrouter/pgrouter/internal/pgwire"
	"github.com/pgrouter/pgrouter/internal/registry"
)

// fakeBackend is a scripted PostgreSQL server: it accepts the startup,
// greets, and answers every Query with CommandComplete + ReadyForQuery.
type fakeBackend struct {
	name string
	ln   net.Listener

	mu      sync.Mutex
	queries []string
}

func newFakeBackend(t *testing.T, name string, pid uint32) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{name: name, ln: ln}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fb.serve(conn, pid)
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return fb
}

func (fb *fakeBackend) addr() (string, int) {
	addr := fb.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (fb *fakeBackend) serve(conn net.Conn, pid uint32) {
	defer conn.Close()

	// Startup message: 4-byte length, then the body.
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return
	}
	body := make([]byte, pgwire.GetUint32(lenBuf)-4)
	if _, err := io.ReadFull(conn, body); err != nil {
		return
	}

	var greeting []byte
	greeting = append(greeting, pgwire.AuthenticationOk()...)
	greeting = append(greeting, pgwire.ParameterStatusMessage("server_version", "16.1")...)
	greeting = append(greeting, pgwire.BackendKeyDataMessage(pid, pid+1000)...)
	greeting = append(greeting, pgwire.ReadyForQueryMessage(pgwire.TrxIdle)...)
	if _, err := conn.Write(greeting); err != nil {
		return
	}

	header := make([]byte, pgwire.HeaderLen)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		payload := make([]byte, pgwire.GetUint32(header[1:])-4)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		switch header[0] {
		case pgwire.Query:
			sql := strings.TrimRight(string(payload), "\x00")
			fb.mu.Lock()
			fb.queries = append(fb.queries, sql)
			fb.mu.Unlock()

			var resp []byte
			resp = append(resp, pgwire.Message(pgwire.CommandComplete, []byte("OK\x00"))...)
			resp = append(resp, pgwire.ReadyForQueryMessage(pgwire.TrxIdle)...)
			if _, err := conn.Write(resp); err != nil {
				return
			}

		case pgwire.Terminate:
			return
		}
	}
}

func (fb *fakeBackend) queryLog() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string{}, fb.queries...)
}

// waitForQuery polls until the backend has observed the given SQL.
func (fb *fakeBackend) waitForQuery(t *testing.T, sql string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, q := range fb.queryLog() {
			if q == sql {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("backend %s never saw %q; log: %v", fb.name, sql, fb.queryLog())
}

func testSetup(t *testing.T, backends ...*fakeBackend) (*Server, int) {
	t.Helper()

	cfg := &config.Config{
		Listen:  config.ListenConfig{Bind: "127.0.0.1", Port: 0},
		Startup: config.StartupConfig{User: "router", ApplicationName: "pgrouter"},
		Router: config.RouterConfig{
			MainSQL:      "SELECT 'main'",
			SecondarySQL: "SELECT 'secondary'",
			LockSQL:      "SELECT pg_advisory_lock(1)",
			UnlockSQL:    "SELECT pg_advisory_unlock(1)",
		},
	}
	for _, fb := range backends {
		host, port := fb.addr()
		cfg.Targets = append(cfg.Targets, config.TargetConfig{
			Name: fb.name, Host: host, Port: port, TLS: "disable",
		})
	}

	reg := registry.New(cfg)
	srv, err := NewServer(cfg, reg, nil, metrics.New())
	if err != nil {
		t.Fatal(err)
	}

	// Bind to an ephemeral port directly; Listen is exercised with port 0.
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)

	return srv, srv.listener.Addr().(*net.TCPAddr).Port
}

// connectClient performs the client-side startup and consumes the greeting.
func connectClient(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	startup := pgwire.StartupMessageOrdered([][2]string{{"user", "alice"}, {"database", "app"}})
	if _, err := conn.Write(startup); err != nil {
		t.Fatal(err)
	}

	readUntilReady(t, conn)
	return conn
}

// readUntilReady consumes messages until ReadyForQuery and returns them.
func readUntilReady(t *testing.T, conn net.Conn) [][]byte {
	t.Helper()
	var msgs [][]byte
	header := make([]byte, pgwire.HeaderLen)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			t.Fatalf("reading message header: %v", err)
		}
		payload := make([]byte, pgwire.GetUint32(header[1:])-4)
		if _, err := io.ReadFull(conn, payload); err != nil {
			t.Fatalf("reading message payload: %v", err)
		}
		msg := append(append([]byte{}, header...), payload...)
		msgs = append(msgs, msg)
		if msg[0] == pgwire.ReadyForQuery {
			return msgs
		}
		if msg[0] == pgwire.ErrorResponse {
			t.Fatalf("server error: %s", pgwire.FormatResponse(msg))
		}
	}
}

func TestSessionStartupAndSoloQuery(t *testing.T) {
	pg0 := newFakeBackend(t, "pg0", 100)
	pg1 := newFakeBackend(t, "pg1", 200)
	_, port := testSetup(t, pg0, pg1)

	conn := connectClient(t, port)

	// Initialization queries reached both nodes.
	pg0.waitForQuery(t, "SELECT 'main'")
	pg1.waitForQuery(t, "SELECT 'secondary'")

	// A single-node query gets exactly one response and lands on exactly one
	// backend.
	if _, err := conn.Write(pgwire.QueryMessage("SELECT 42")); err != nil {
		t.Fatal(err)
	}
	msgs := readUntilReady(t, conn)
	if msgs[0][0] != pgwire.CommandComplete {
		t.Errorf("expected CommandComplete first, got %q", msgs[0][0])
	}

	count := 0
	for _, fb := range []*fakeBackend{pg0, pg1} {
		for _, q := range fb.queryLog() {
			if q == "SELECT 42" {
				count++
			}
		}
	}
	if count != 1 {
		t.Errorf("single-node query should reach exactly one backend, reached %d", count)
	}
}

func TestMultiNodeDDLReplay(t *testing.T) {
	pg0 := newFakeBackend(t, "pg0", 100)
	pg1 := newFakeBackend(t, "pg1", 200)
	pg2 := newFakeBackend(t, "pg2", 300)
	_, port := testSetup(t, pg0, pg1, pg2)

	conn := connectClient(t, port)

	ddl := "CREATE TABLE t (x INT)"
	if _, err := conn.Write(pgwire.QueryMessage(ddl)); err != nil {
		t.Fatal(err)
	}
	readUntilReady(t, conn)

	// Every backend executed the DDL; the main also saw lock and unlock
	// around it, in order.
	for _, fb := range []*fakeBackend{pg0, pg1, pg2} {
		fb.waitForQuery(t, ddl)
	}
	pg0.waitForQuery(t, "SELECT pg_advisory_unlock(1)")

	mainLog := pg0.queryLog()
	idxLock, idxDDL, idxUnlock := -1, -1, -1
	for i, q := range mainLog {
		switch q {
		case "SELECT pg_advisory_lock(1)":
			idxLock = i
		case ddl:
			idxDDL = i
		case "SELECT pg_advisory_unlock(1)":
			idxUnlock = i
		}
	}
	if !(idxLock < idxDDL && idxDDL < idxUnlock) || idxLock == -1 {
		t.Errorf("main order wrong: %v", mainLog)
	}
}

func TestTerminateEndsSession(t *testing.T) {
	pg0 := newFakeBackend(t, "pg0", 100)
	srv, port := testSetup(t, pg0)

	conn := connectClient(t, port)

	deadline0 := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline0) && len(srv.Sessions()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(srv.Sessions()) != 1 {
		t.Fatalf("expected 1 session, got %d", len(srv.Sessions()))
	}

	conn.Write(pgwire.TerminateMessage())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(srv.Sessions()) > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(srv.Sessions()); n != 0 {
		t.Errorf("session should be gone after Terminate, %d left", n)
	}
}

func TestGreetingCarriesMainKeyData(t *testing.T) {
	pg0 := newFakeBackend(t, "pg0", 4242)
	_, port := testSetup(t, pg0)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	startup := pgwire.StartupMessageOrdered([][2]string{{"user", "alice"}})
	conn.Write(startup)

	msgs := readUntilReady(t, conn)
	if msgs[0][0] != pgwire.Authentication {
		t.Errorf("greeting should start with AuthenticationOk, got %q", msgs[0][0])
	}

	var keyData []byte
	for _, m := range msgs {
		if m[0] == pgwire.BackendKeyData {
			keyData = m
		}
	}
	if keyData == nil {
		t.Fatal("greeting should include BackendKeyData")
	}
	want := pgwire.BackendKeyDataMessage(4242, 5242)
	if !bytes.Equal(keyData, want) {
		t.Errorf("key data: got %v want %v", keyData, want)
	}
}

func TestParseStartupParams(t *testing.T) {
	data := []byte("user\x00alice\x00database\x00app\x00\x00")
	params := parseStartupParams(data)
	if params["user"] != "alice" || params["database"] != "app" {
		t.Errorf("params: %v", params)
	}
}

func TestSplitSASLInitial(t *testing.T) {
	clientFirst := []byte("n,,n=alice,r=nonce")
	payload := append([]byte("SCRAM-SHA-256\x00"), 0, 0, 0, byte(len(clientFirst)))
	payload = append(payload, clientFirst...)

	mech, msg, err := splitSASLInitial(payload)
	if err != nil {
		t.Fatal(err)
	}
	if mech != "SCRAM-SHA-256" {
		t.Errorf("mechanism: %q", mech)
	}
	if !bytes.Equal(msg, clientFirst) {
		t.Errorf("client-first: %q", msg)
	}

	if _, _, err := splitSASLInitial([]byte("SCRAM-SHA-256")); err == nil {
		t.Error("truncated payload should fail")
	}
}
