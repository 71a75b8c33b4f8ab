// Package cryptoprov is the minimal crypto provider the RTSP control plane
// depends on: MD5 for Digest auth and an RSA "apply" operation used both to
// recover the AES session key carried in ANNOUNCE (RSA_MODE_KEY) and to sign
// the Apple-Challenge response (RSA_MODE_AUTH). Keeping the core independent
// of a concrete key format means tests can swap in a fixed key pair.
//
// No pack example wires a third-party RSA/MD5 library for this — RSA and MD5
// here are used as primitives (PKCS#1 v1.5 decrypt/sign), not as part of a
// higher-level protocol (TLS, JWT, SSH) that an ecosystem package would
// front. crypto/rsa, crypto/md5, crypto/rand, and crypto/x509 are the
// idiomatic choice for that; see DESIGN.md.
package cryptoprov

import (
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// Mode selects the RSA operation semantics, mirroring the original's
// RSA_MODE_KEY / RSA_MODE_AUTH distinction.
type Mode int

const (
	// ModeKey recovers an AES session key: the buffer is RSA PKCS#1 v1.5
	// encrypted under the server's public key; apply decrypts it.
	ModeKey Mode = iota
	// ModeAuth signs an Apple-Challenge plaintext; apply produces an RSA
	// PKCS#1 v1.5 type-1 signature over the plaintext as given (no ASN.1
	// DigestInfo wrapper, matching the Apple-Challenge handshake).
	ModeAuth
)

// Provider performs the MD5 and RSA operations the core needs. A zero
// Provider is not usable; construct one with NewProvider or
// NewProviderFromPEM.
type Provider struct {
	key *rsa.PrivateKey
}

// NewProvider wraps an existing RSA private key.
func NewProvider(key *rsa.PrivateKey) *Provider {
	return &Provider{key: key}
}

// NewProviderFromPEM parses a PKCS#1 or PKCS#8 RSA private key in PEM form,
// as read from the AirPort Express-derived key file shairport-sync ships
// with convention.
func NewProviderFromPEM(pemBytes []byte) (*Provider, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("cryptoprov: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &Provider{key: key}, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptoprov: parse private key: %w", err)
	}
	key, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("cryptoprov: PEM key is not RSA")
	}
	return &Provider{key: key}, nil
}

// MD5 returns the MD5 digest of data.
func MD5(data []byte) [16]byte { return md5.Sum(data) }

// RSAApply performs the RSA operation named by mode.
//
//   - ModeKey:  RSA decrypt (PKCS#1 v1.5) — recovers the AES session key.
//   - ModeAuth: PKCS#1 v1.5 type-1 padding of the plaintext (no DigestInfo)
//     followed by private-key exponentiation, producing the Apple-Response
//     signature block.
func (p *Provider) RSAApply(buf []byte, mode Mode) ([]byte, error) {
	if p == nil || p.key == nil {
		return nil, errors.New("cryptoprov: provider not initialized")
	}
	switch mode {
	case ModeKey:
		out, err := rsa.DecryptPKCS1v15(rand.Reader, p.key, buf)
		if err != nil {
			return nil, fmt.Errorf("cryptoprov: rsa decrypt: %w", err)
		}
		return out, nil
	case ModeAuth:
		return p.signRaw(buf)
	default:
		return nil, fmt.Errorf("cryptoprov: unknown mode %d", mode)
	}
}

// signRaw produces a PKCS#1 v1.5 type-1 signature over buf with no
// DigestInfo prefix (crypto.Hash(0) tells SignPKCS1v15 buf IS the
// to-be-padded message), matching the Apple-Challenge response shape.
func (p *Provider) signRaw(buf []byte) ([]byte, error) {
	sig, err := rsa.SignPKCS1v15(rand.Reader, p.key, crypto.Hash(0), buf)
	if err != nil {
		return nil, fmt.Errorf("cryptoprov: rsa sign: %w", err)
	}
	return sig, nil
}

// Base64Encode/Base64Decode are thin wrappers kept here so call sites treat
// encoding as part of the crypto provider boundary (matching the original's
// grouping of base64 with the MD5/RSA primitives).
func Base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// Base64Decode accepts both padded and unpadded input: real senders (and
// this server's own Apple-Response) transmit base64 without '=' padding,
// which base64.StdEncoding rejects outright. Trimming any padding before
// decoding with RawStdEncoding handles both forms uniformly.
func Base64Decode(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Base64EncodeNoPad encodes without '=' padding, as the Apple-Response
// header requires.
func Base64EncodeNoPad(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }
