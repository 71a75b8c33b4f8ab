// Package sdp parses the subset of SDP carried in ANNOUNCE bodies: the
// stream-type/codec lines, the AES key/IV lines, and the latency hints,
// via a line-by-line prefix match.
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alxayo/raop-rtsp/internal/cryptoprov"
	rtsperrors "github.com/alxayo/raop-rtsp/internal/errors"
)

// StreamType identifies the decoded audio format.
type StreamType int

const (
	StreamUnknown StreamType = iota
	StreamALAC
	StreamPCM
)

// Descriptor is the parsed result of an ANNOUNCE SDP body.
type Descriptor struct {
	SSID int

	StreamType     StreamType
	FramesPerPacket int
	BitDepth        int
	Channels        int
	SampleRate      int

	AESKey [16]byte
	AESIV  [16]byte
	Encrypted bool

	MinLatency int
	MaxLatency int
}

// Parse walks body line by line, matching the prefixes the original
// scans for. AES key recovery uses prov.RSAApply(..., ModeKey); if both
// aesiv and rsaaeskey are absent the stream is treated as unencrypted; if
// only one is present, or either fails to decode to exactly 16 bytes,
// Parse returns an InvalidParameters error (maps to 456).
func Parse(body string, prov interface {
	RSAApply(buf []byte, mode cryptoprov.Mode) ([]byte, error)
}) (*Descriptor, error) {
	d := &Descriptor{}
	var aesivB64, rsaAesKeyB64 string
	haveAESIV, haveRSAKey := false, false

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "o=iTunes "):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if n, err := strconv.Atoi(fields[1]); err == nil {
					d.SSID = n
				}
			}
		case strings.HasPrefix(line, "a=fmtp:"):
			if err := parseFmtp(d, line); err != nil {
				return nil, rtsperrors.NewInvalidParameters("sdp.fmtp", err)
			}
		case strings.HasPrefix(line, "a=rtpmap:96 L16/"):
			if err := parseRtpmapPCM(d, line); err != nil {
				return nil, rtsperrors.NewInvalidParameters("sdp.rtpmap", err)
			}
		case strings.HasPrefix(line, "a=aesiv:"):
			aesivB64 = strings.TrimPrefix(line, "a=aesiv:")
			haveAESIV = true
		case strings.HasPrefix(line, "a=rsaaeskey:"):
			rsaAesKeyB64 = strings.TrimPrefix(line, "a=rsaaeskey:")
			haveRSAKey = true
		case strings.HasPrefix(line, "a=min-latency:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "a=min-latency:")); err == nil {
				d.MinLatency = n
			}
		case strings.HasPrefix(line, "a=max-latency:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "a=max-latency:")); err == nil {
				d.MaxLatency = n
			}
		}
	}

	switch {
	case !haveAESIV && !haveRSAKey:
		d.Encrypted = false
	case haveAESIV && haveRSAKey:
		iv, err := cryptoprov.Base64Decode(aesivB64)
		if err != nil || len(iv) != 16 {
			return nil, rtsperrors.NewInvalidParameters("sdp.aesiv", fmt.Errorf("aesiv must decode to 16 bytes"))
		}
		encKey, err := cryptoprov.Base64Decode(rsaAesKeyB64)
		if err != nil {
			return nil, rtsperrors.NewInvalidParameters("sdp.rsaaeskey", fmt.Errorf("rsaaeskey: invalid base64"))
		}
		key, err := prov.RSAApply(encKey, cryptoprov.ModeKey)
		if err != nil || len(key) != 16 {
			return nil, rtsperrors.NewInvalidParameters("sdp.rsaaeskey", fmt.Errorf("recovered key must be 16 bytes"))
		}
		copy(d.AESIV[:], iv)
		copy(d.AESKey[:], key)
		d.Encrypted = true
	default:
		return nil, rtsperrors.NewInvalidParameters("sdp.aes", fmt.Errorf("aesiv and rsaaeskey must both be present or both absent"))
	}

	if d.StreamType == StreamUnknown {
		return nil, rtsperrors.NewInvalidParameters("sdp.stream_type", fmt.Errorf("could not determine stream type"))
	}

	return d, nil
}

// parseFmtp parses "a=fmtp:96 <12 space-separated ints>" into ALAC
// parameters. Only the fields this control plane cares about (frames per
// packet, bit depth, channels, sample rate) are extracted; the rest of
// the 12 ints are codec tuning the player consumes directly.
func parseFmtp(d *Descriptor, line string) error {
	fields := strings.Fields(strings.TrimPrefix(line, "a=fmtp:"))
	if len(fields) < 12 {
		return fmt.Errorf("fmtp: expected at least 12 fields, got %d", len(fields))
	}
	ints := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return fmt.Errorf("fmtp: non-integer field %q", f)
		}
		ints = append(ints, n)
	}
	// Layout per shairport-sync's decode_aac_params: payload-type,
	// max-samples-per-frame, compatible-version, bit-depth, pb, mb, kb,
	// channels, max-run, max-frame-bytes, avg-bit-rate, sample-rate.
	d.StreamType = StreamALAC
	d.FramesPerPacket = ints[1]
	d.BitDepth = ints[3]
	d.Channels = ints[7]
	d.SampleRate = ints[11]
	return nil
}

// parseRtpmapPCM parses "a=rtpmap:96 L16/<rate>/<channels>".
func parseRtpmapPCM(d *Descriptor, line string) error {
	rest := strings.TrimPrefix(line, "a=rtpmap:96 L16/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return fmt.Errorf("rtpmap: expected L16/<rate>/<channels>")
	}
	rate, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("rtpmap: invalid sample rate %q", parts[0])
	}
	channels, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("rtpmap: invalid channel count %q", parts[1])
	}
	d.StreamType = StreamPCM
	d.SampleRate = rate
	d.Channels = channels
	d.BitDepth = 16
	return nil
}
