// Package dmap decodes the DMAP-tagged metadata bodies carried by
// SET_PARAMETER when Content-Type is application/x-dmap-tagged: a
// sequence of [4-byte big-endian tag][4-byte big-endian length][length
// bytes] records starting at body offset 8.
package dmap

import (
	"encoding/binary"
	"fmt"

	rtsperrors "github.com/alxayo/raop-rtsp/internal/errors"
)

// Record is a single decoded TLV entry.
type Record struct {
	Tag  [4]byte
	Data []byte
}

// TagString returns the tag as its 4-character ASCII form, as used in
// metadata event names (e.g. "asal", "minm").
func (r Record) TagString() string { return string(r.Tag[:]) }

const headerSkip = 8

// Parse decodes body into its constituent records, skipping the leading
// 8-byte preamble. Each record must declare a length that fits within the
// remaining buffer; a truncated trailing record is a ParseError.
func Parse(body []byte) ([]Record, error) {
	if len(body) < headerSkip {
		return nil, rtsperrors.NewParseError("dmap.parse", fmt.Errorf("body shorter than %d-byte preamble", headerSkip))
	}

	var records []Record
	offset := headerSkip
	for offset < len(body) {
		if offset+8 > len(body) {
			return nil, rtsperrors.NewParseError("dmap.parse", fmt.Errorf("truncated record header at offset %d", offset))
		}
		var tag [4]byte
		copy(tag[:], body[offset:offset+4])
		length := binary.BigEndian.Uint32(body[offset+4 : offset+8])
		offset += 8

		if uint64(offset)+uint64(length) > uint64(len(body)) {
			return nil, rtsperrors.NewParseError("dmap.parse", fmt.Errorf("record %s declares length %d beyond buffer", tag, length))
		}
		data := body[offset : offset+int(length)]
		records = append(records, Record{Tag: tag, Data: data})
		offset += int(length)
	}
	return records, nil
}
