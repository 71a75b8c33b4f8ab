// Package auth implements the two authentication mechanisms carried over
// RTSP headers: Apple-Challenge (RSA-signed device attestation) and HTTP
// Digest (password-gated access).
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/alxayo/raop-rtsp/internal/cryptoprov"
	rtsperrors "github.com/alxayo/raop-rtsp/internal/errors"
)

const plaintextMinLen = 32

// AppleChallengeResponse builds the Apple-Response header value for a
// request carrying an Apple-Challenge header. challengeB64 is the
// base64-encoded challenge (decodes to at most 16 bytes); localAddr is
// the connection's local socket address; hwAddr is the configured MAC.
func AppleChallengeResponse(prov *cryptoprov.Provider, challengeB64 string, localAddr net.Addr, hwAddr [6]byte) (string, error) {
	challenge, err := cryptoprov.Base64Decode(challengeB64)
	if err != nil {
		return "", rtsperrors.NewParseError("auth.apple_challenge", fmt.Errorf("decode challenge: %w", err))
	}
	if len(challenge) > 16 {
		return "", rtsperrors.NewParseError("auth.apple_challenge", fmt.Errorf("challenge too long: %d bytes", len(challenge)))
	}

	ip, err := localIP(localAddr)
	if err != nil {
		return "", rtsperrors.NewParseError("auth.apple_challenge", err)
	}

	plaintext := make([]byte, 0, len(challenge)+len(ip)+len(hwAddr))
	plaintext = append(plaintext, challenge...)
	plaintext = append(plaintext, ip...)
	plaintext = append(plaintext, hwAddr[:]...)
	if len(plaintext) < plaintextMinLen {
		padded := make([]byte, plaintextMinLen)
		copy(padded[plaintextMinLen-len(plaintext):], plaintext)
		plaintext = padded
	}

	signed, err := prov.RSAApply(plaintext, cryptoprov.ModeAuth)
	if err != nil {
		return "", rtsperrors.NewIOError("auth.apple_challenge", err)
	}
	return cryptoprov.Base64EncodeNoPad(signed), nil
}

func localIP(addr net.Addr) ([]byte, error) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("cannot parse local address %q", addr.String())
	}
	if v4 := ip.To4(); v4 != nil {
		return v4, nil
	}
	return ip.To16(), nil
}

// DigestState is the per-connection Digest authentication state: the
// server nonce (generated once, on first sight of the connection) and
// whether the connection has already satisfied authentication.
type DigestState struct {
	mu        sync.Mutex
	nonce     string
	satisfied bool
}

// NewDigestState generates a fresh 8-byte random nonce, hex-encoded.
func NewDigestState() (*DigestState, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("auth: generate nonce: %w", err)
	}
	return &DigestState{nonce: hex.EncodeToString(raw)}, nil
}

// Nonce returns the connection's server nonce.
func (d *DigestState) Nonce() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nonce
}

// Satisfied reports whether this connection has already passed Digest
// authentication — authorization latches on the connection once
// satisfied, so subsequent requests are not re-challenged.
func (d *DigestState) Satisfied() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.satisfied
}

// WWWAuthenticate returns the WWW-Authenticate header value to send on a
// 401 challenge.
func (d *DigestState) WWWAuthenticate() string {
	return fmt.Sprintf(`Digest realm="raop", nonce="%s"`, d.Nonce())
}

// digestParams holds the parsed fields of an Authorization: Digest header.
type digestParams struct {
	username string
	realm    string
	response string
	uri      string
}

// parseAuthorization parses `Authorization: Digest realm="r", username="u",
// response="resp", uri="uri", ...` into its fields. Unknown parameters are
// ignored.
func parseAuthorization(header string) (digestParams, bool) {
	const prefix = "Digest "
	if !strings.HasPrefix(header, prefix) {
		return digestParams{}, false
	}
	var p digestParams
	for _, part := range strings.Split(header[len(prefix):], ",") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "username":
			p.username = val
		case "realm":
			p.realm = val
		case "response":
			p.response = val
		case "uri":
			p.uri = val
		}
	}
	return p, true
}

// VerifyDigest checks an Authorization header against the configured
// password for the given method. On success it latches Satisfied and
// returns nil; on failure (including a missing/malformed header) it
// returns an AuthRequired error so the caller sends 401 with
// WWWAuthenticate().
func (d *DigestState) VerifyDigest(authHeader, method, password string) error {
	params, ok := parseAuthorization(authHeader)
	if !ok {
		return rtsperrors.NewAuthRequired("auth.digest", nil)
	}

	ha1 := hexMD5(fmt.Sprintf("%s:%s:%s", params.username, params.realm, password))
	ha2 := hexMD5(fmt.Sprintf("%s:%s", method, params.uri))
	expected := hexMD5(fmt.Sprintf("%s:%s:%s", ha1, d.Nonce(), ha2))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(params.response)) != 1 {
		return rtsperrors.NewAuthRequired("auth.digest", fmt.Errorf("response mismatch"))
	}

	d.mu.Lock()
	d.satisfied = true
	d.mu.Unlock()
	return nil
}

func hexMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
