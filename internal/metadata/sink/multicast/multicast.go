// Package multicast implements a metadata.Sink that sends each package
// as one or more UDP datagrams to a multicast group. A payload that
// fits within msglength-8 goes out as a single
// `type(be32) || code(be32) || payload` datagram; a larger payload is
// chunked as `"ssnc" "chnk" chunk_ix(be32) chunk_total(be32) type(be32)
// code(be32) || slice`, slice size msglength-24, chunk_total =
// ceil(length / (msglength-24)).
package multicast

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/alxayo/raop-rtsp/internal/metadata"
	"github.com/rs/zerolog"
)

const (
	singleHeaderLen = 8
	chunkHeaderLen  = 24
)

// Sink sends metadata packages as UDP datagrams to a fixed multicast
// address.
type Sink struct {
	conn      *net.UDPConn
	msgLength int
	log       *zerolog.Logger
}

// New dials a UDP socket toward addr:port with datagrams capped at
// msgLength bytes total (header included).
func New(addr string, port int, msgLength int, log *zerolog.Logger) (*Sink, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("multicast: resolve %s:%d: %w", addr, port, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("multicast: dial: %w", err)
	}
	return &Sink{conn: conn, msgLength: msgLength, log: log}, nil
}

func (s *Sink) Name() string { return "multicast:" + s.conn.RemoteAddr().String() }

// Consume sends pkg as a single datagram, or chunks it, depending on
// whether the payload fits the configured message length.
func (s *Sink) Consume(_ context.Context, pkg metadata.Package) {
	data := pkg.Data
	if pkg.Carrier != nil {
		data = pkg.Carrier.Body()
	}

	typ := binary.BigEndian.Uint32(pkg.Type[:])
	code := binary.BigEndian.Uint32(pkg.Code[:])

	if len(data) <= s.msgLength-singleHeaderLen {
		s.sendSingle(typ, code, data)
		return
	}
	s.sendChunked(typ, code, data)
}

func (s *Sink) sendSingle(typ, code uint32, data []byte) {
	frame := make([]byte, singleHeaderLen+len(data))
	binary.BigEndian.PutUint32(frame[0:4], typ)
	binary.BigEndian.PutUint32(frame[4:8], code)
	copy(frame[8:], data)
	s.send(frame)
}

func (s *Sink) sendChunked(typ, code uint32, data []byte) {
	sliceSize := s.msgLength - chunkHeaderLen
	if sliceSize <= 0 {
		if s.log != nil {
			s.log.Debug().Msg("metadata multicast: msgLength too small to chunk, dropping")
		}
		return
	}

	total := (len(data) + sliceSize - 1) / sliceSize

	for ix := 0; ix < total; ix++ {
		start := ix * sliceSize
		end := start + sliceSize
		if end > len(data) {
			end = len(data)
		}
		slice := data[start:end]

		frame := make([]byte, chunkHeaderLen+len(slice))
		copy(frame[0:4], "ssnc")
		copy(frame[4:8], "chnk")
		binary.BigEndian.PutUint32(frame[8:12], uint32(ix))
		binary.BigEndian.PutUint32(frame[12:16], uint32(total))
		binary.BigEndian.PutUint32(frame[16:20], typ)
		binary.BigEndian.PutUint32(frame[20:24], code)
		copy(frame[24:], slice)

		s.send(frame)
	}
}

func (s *Sink) send(frame []byte) {
	if _, err := s.conn.Write(frame); err != nil && s.log != nil {
		s.log.Debug().Err(err).Msg("metadata multicast: send failed")
	}
}

// Close closes the underlying UDP socket.
func (s *Sink) Close() {
	s.conn.Close()
}
