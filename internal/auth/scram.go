// Package auth verifies client credentials for the listener: the server side
// of the SASL SCRAM-SHA-256 exchange, with a cleartext fallback. Credentials
// are derived from the configured passwords at load time so the plaintext is
// not kept around.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// ScramIterations is the PBKDF2 iteration count used when deriving
	// credentials; matches the PostgreSQL default.
	ScramIterations = 4096

	saltLen  = 16
	nonceLen = 18
)

// Credential is a stored SCRAM-SHA-256 verifier for one user.
type Credential struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// DeriveCredential builds a Credential from a plaintext password with a
// random salt.
func DeriveCredential(password string) (Credential, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Credential{}, fmt.Errorf("generating salt: %w", err)
	}
	return deriveWithSalt(password, salt, ScramIterations), nil
}

func deriveWithSalt(password string, salt []byte, iterations int) Credential {
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	return Credential{
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  sha256Sum(clientKey),
		ServerKey:  hmacSHA256(saltedPassword, []byte("Server Key")),
	}
}

// Store holds the derived credentials for all configured users.
type Store struct {
	creds map[string]Credential
}

// NewStore derives credentials for every configured user.
func NewStore(users map[string]string) (*Store, error) {
	s := &Store{creds: make(map[string]Credential, len(users))}
	for user, password := range users {
		cred, err := DeriveCredential(password)
		if err != nil {
			return nil, fmt.Errorf("deriving credential for %q: %w", user, err)
		}
		s.creds[user] = cred
	}
	return s, nil
}

// Empty reports whether no users are configured; the listener then runs in
// trust mode.
func (s *Store) Empty() bool {
	return len(s.creds) == 0
}

// Lookup returns the credential for a user.
func (s *Store) Lookup(user string) (Credential, bool) {
	cred, ok := s.creds[user]
	return cred, ok
}

// VerifyPassword checks a cleartext password against the stored credential by
// re-deriving with the stored salt.
func (s *Store) VerifyPassword(user, password string) bool {
	cred, ok := s.creds[user]
	if !ok {
		return false
	}
	derived := deriveWithSalt(password, cred.Salt, cred.Iterations)
	return hmac.Equal(derived.StoredKey, cred.StoredKey)
}

// Verifier runs the server side of one SCRAM-SHA-256 exchange.
type Verifier struct {
	cred Credential

	gs2Header       string
	clientFirstBare string
	serverFirst     string
	fullNonce       string
}

// NewVerifier starts an exchange against a stored credential.
func NewVerifier(cred Credential) *Verifier {
	return &Verifier{cred: cred}
}

// ServerFirst consumes the client-first-message and produces the
// server-first-message challenge.
func (v *Verifier) ServerFirst(clientFirst []byte) ([]byte, error) {
	msg := string(clientFirst)

	// gs2-header is "n,," for no channel binding; "y,," is also acceptable
	// from clients that support but do not use it.
	var rest string
	switch {
	case strings.HasPrefix(msg, "n,,"):
		v.gs2Header = "n,,"
		rest = msg[3:]
	case strings.HasPrefix(msg, "y,,"):
		v.gs2Header = "y,,"
		rest = msg[3:]
	default:
		return nil, fmt.Errorf("unsupported gs2 header in %q", msg)
	}
	v.clientFirstBare = rest

	clientNonce := ""
	for _, part := range strings.Split(rest, ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}
	if clientNonce == "" {
		return nil, fmt.Errorf("client-first-message has no nonce")
	}

	serverNonce := make([]byte, nonceLen)
	if _, err := rand.Read(serverNonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	v.fullNonce = clientNonce + base64.StdEncoding.EncodeToString(serverNonce)

	v.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d",
		v.fullNonce,
		base64.StdEncoding.EncodeToString(v.cred.Salt),
		v.cred.Iterations)

	return []byte(v.serverFirst), nil
}

// Verify consumes the client-final-message, checks the proof against the
// stored key and returns the server-final-message.
func (v *Verifier) Verify(clientFinal []byte) ([]byte, error) {
	msg := string(clientFinal)

	var channelBinding, nonce, proofB64 string
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "c="):
			channelBinding = part[2:]
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "p="):
			proofB64 = part[2:]
		}
	}
	if channelBinding == "" || nonce == "" || proofB64 == "" {
		return nil, fmt.Errorf("incomplete client-final-message: %q", msg)
	}

	if nonce != v.fullNonce {
		return nil, fmt.Errorf("nonce mismatch")
	}
	wantBinding := base64.StdEncoding.EncodeToString([]byte(v.gs2Header))
	if channelBinding != wantBinding {
		return nil, fmt.Errorf("channel binding mismatch")
	}

	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return nil, fmt.Errorf("decoding proof: %w", err)
	}
	if len(proof) != sha256.Size {
		return nil, fmt.Errorf("proof has wrong length: %d", len(proof))
	}

	idx := strings.LastIndex(msg, ",p=")
	clientFinalWithoutProof := msg[:idx]
	authMessage := v.clientFirstBare + "," + v.serverFirst + "," + clientFinalWithoutProof

	// ClientKey = proof XOR ClientSignature; authentic iff its hash matches
	// the stored key.
	clientSignature := hmacSHA256(v.cred.StoredKey, []byte(authMessage))
	clientKey := xorBytes(proof, clientSignature)

	if !hmac.Equal(sha256Sum(clientKey), v.cred.StoredKey) {
		return nil, fmt.Errorf("password authentication failed")
	}

	serverSignature := hmacSHA256(v.cred.ServerKey, []byte(authMessage))
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature)), nil
}

// hmacSHA256 computes HMAC-SHA-256.
func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// sha256Sum computes SHA-256.
func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// xorBytes XORs two byte slices of equal length.
func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
