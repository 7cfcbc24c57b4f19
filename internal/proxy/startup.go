package proxy

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/pgrouter/pgrouter/internal/auth"
	"github.com/pgrouter/pgrouter/internal/pgwire"
)

// startupResult is the outcome of the client's startup exchange.
type startupResult struct {
	conn   net.Conn // possibly TLS-wrapped
	params map[string]string

	// Set when the client sent a CancelRequest instead of a startup.
	cancelPID    uint32
	cancelSecret uint32
	isCancel     bool
}

// readStartupMessage reads the client's startup packet, negotiating SSL as a
// loop (max 3 attempts) and short-circuiting CancelRequest.
func (s *Server) readStartupMessage(conn net.Conn) (*startupResult, error) {
	const maxSSLAttempts = 3
	currentConn := conn

	for attempt := 0; attempt <= maxSSLAttempts; attempt++ {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(currentConn, lenBuf); err != nil {
			return nil, fmt.Errorf("reading startup length: %w", err)
		}
		msgLen := int(binary.BigEndian.Uint32(lenBuf))

		if msgLen < 8 || msgLen > 10000 {
			return nil, fmt.Errorf("invalid startup message length: %d", msgLen)
		}

		buf := make([]byte, msgLen-4)
		if _, err := io.ReadFull(currentConn, buf); err != nil {
			return nil, fmt.Errorf("reading startup body: %w", err)
		}

		switch code := binary.BigEndian.Uint32(buf[:4]); code {
		case pgwire.SSLRequestMagic:
			if s.tlsConfig != nil {
				currentConn.Write([]byte{pgwire.SSLAccept})
				tlsConn := tls.Server(currentConn, s.tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					return nil, fmt.Errorf("TLS handshake failed: %w", err)
				}
				currentConn = tlsConn
			} else {
				// Deny SSL, the client retries without it.
				currentConn.Write([]byte{pgwire.SSLRefuse})
			}
			continue

		case pgwire.GSSEncRequestMagic:
			// GSSAPI encryption is not supported; refuse and let the client
			// retry in the clear.
			currentConn.Write([]byte{pgwire.SSLRefuse})
			continue

		case pgwire.CancelRequestMagic:
			if len(buf) < 12 {
				return nil, fmt.Errorf("short cancel request: %d bytes", len(buf))
			}
			return &startupResult{
				conn:         currentConn,
				isCancel:     true,
				cancelPID:    binary.BigEndian.Uint32(buf[4:8]),
				cancelSecret: binary.BigEndian.Uint32(buf[8:12]),
			}, nil

		case pgwire.ProtocolV3:
			return &startupResult{
				conn:   currentConn,
				params: parseStartupParams(buf[4:]),
			}, nil

		default:
			return nil, fmt.Errorf("unsupported protocol version: %#x", code)
		}
	}

	return nil, fmt.Errorf("too many SSL negotiation attempts")
}

// parseStartupParams walks the null-terminated key/value pairs after the
// protocol version.
func parseStartupParams(data []byte) map[string]string {
	params := make(map[string]string)
	for len(data) > 1 {
		keyEnd := 0
		for keyEnd < len(data) && data[keyEnd] != 0 {
			keyEnd++
		}
		if keyEnd >= len(data) {
			break
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := 0
		for valEnd < len(data) && data[valEnd] != 0 {
			valEnd++
		}
		if valEnd >= len(data) {
			break
		}
		params[key] = string(data[:valEnd])
		data = data[valEnd+1:]
	}
	return params
}

// authenticateClient runs the client authentication exchange. With no users
// configured the listener runs in trust mode.
func authenticateClient(conn net.Conn, store *auth.Store, user string) error {
	if store.Empty() {
		return nil
	}

	cred, ok := store.Lookup(user)
	if !ok {
		sendAuthError(conn, fmt.Sprintf("password authentication failed for user %q", user))
		return fmt.Errorf("unknown user %q", user)
	}

	// AuthenticationSASL with the supported mechanism list.
	mechs := []byte("SCRAM-SHA-256\x00\x00")
	if _, err := conn.Write(pgwire.AuthenticationRequest(pgwire.AuthSASL, mechs)); err != nil {
		return fmt.Errorf("writing SASL request: %w", err)
	}

	// SASLInitialResponse: mechanism name, then a length-prefixed
	// client-first-message.
	payload, err := readPasswordMessage(conn)
	if err != nil {
		return fmt.Errorf("reading SASL initial response: %w", err)
	}
	mechanism, clientFirst, err := splitSASLInitial(payload)
	if err != nil {
		sendAuthError(conn, err.Error())
		return err
	}
	if mechanism != "SCRAM-SHA-256" {
		sendAuthError(conn, fmt.Sprintf("unsupported SASL mechanism %q", mechanism))
		return fmt.Errorf("unsupported SASL mechanism %q", mechanism)
	}

	verifier := auth.NewVerifier(cred)
	serverFirst, err := verifier.ServerFirst(clientFirst)
	if err != nil {
		sendAuthError(conn, "malformed SCRAM exchange")
		return fmt.Errorf("scram client-first: %w", err)
	}
	if _, err := conn.Write(pgwire.AuthenticationRequest(pgwire.AuthSASLContinue, serverFirst)); err != nil {
		return fmt.Errorf("writing SASL continue: %w", err)
	}

	clientFinal, err := readPasswordMessage(conn)
	if err != nil {
		return fmt.Errorf("reading SASL response: %w", err)
	}
	serverFinal, err := verifier.Verify(clientFinal)
	if err != nil {
		sendAuthError(conn, fmt.Sprintf("password authentication failed for user %q", user))
		return fmt.Errorf("scram verify: %w", err)
	}
	if _, err := conn.Write(pgwire.AuthenticationRequest(pgwire.AuthSASLFinal, serverFinal)); err != nil {
		return fmt.Errorf("writing SASL final: %w", err)
	}

	return nil
}

// splitSASLInitial parses a SASLInitialResponse payload: mechanism\0 followed
// by an int32-length-prefixed client-first-message.
func splitSASLInitial(payload []byte) (string, []byte, error) {
	idx := 0
	for idx < len(payload) && payload[idx] != 0 {
		idx++
	}
	if idx >= len(payload) {
		return "", nil, fmt.Errorf("malformed SASL initial response")
	}
	mechanism := string(payload[:idx])
	rest := payload[idx+1:]
	if len(rest) < 4 {
		return "", nil, fmt.Errorf("malformed SASL initial response")
	}
	n := int(int32(binary.BigEndian.Uint32(rest[:4])))
	rest = rest[4:]
	if n < 0 || n > len(rest) {
		return "", nil, fmt.Errorf("malformed SASL initial response")
	}
	return mechanism, rest[:n], nil
}

// readPasswordMessage reads one 'p' message and returns its payload.
func readPasswordMessage(conn net.Conn) ([]byte, error) {
	header := make([]byte, pgwire.HeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	if header[0] != pgwire.PasswordMessage {
		return nil, fmt.Errorf("expected password message, got %q", header[0])
	}
	n := int(pgwire.GetUint32(header[1:])) - 4
	if n < 0 || n > 1<<20 {
		return nil, fmt.Errorf("invalid password message length: %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func sendAuthError(conn net.Conn, message string) {
	conn.Write(pgwire.ErrorResponseMessage("FATAL", "28P01", message))
}

func sendFatal(conn net.Conn, sqlstate, message string) {
	conn.Write(pgwire.ErrorResponseMessage("FATAL", sqlstate, message))
}
