// Package params parses the two small key/value wire formats the
// dispatcher needs beyond headers and SDP: the `text/parameters` body
// format (CR/LF separated "key: value" lines) and the `Transport` header
// format (semicolon-separated tokens, some bare flags and some
// key=value).
package params

import "strings"

// ParseTextParameters splits a text/parameters body into an ordered list
// of key/value pairs. Lines with no colon are ignored (the body is
// defensively scanned, not strictly validated, matching the original's
// best-effort line walk).
func ParseTextParameters(body string) []KV {
	var out []KV
	for _, line := range splitLines(body) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		out = append(out, KV{Key: key, Value: value})
	}
	return out
}

// KV is a single parsed key/value pair.
type KV struct {
	Key   string
	Value string
}

// Lookup returns the value of the first entry matching key, if any.
func Lookup(kvs []KV, key string) (string, bool) {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

// Transport is the parsed form of a Transport header's semicolon-joined
// tokens. Bare flag tokens (e.g. "unicast", "interleaved=0-1") are kept
// verbatim in Flags; key=value tokens populate Fields.
type Transport struct {
	Flags  []string
	Fields map[string]string
}

// ParseTransport parses a Transport header value such as
// "RTP/AVP/UDP;unicast;control_port=6001;timing_port=6002".
func ParseTransport(header string) Transport {
	t := Transport{Fields: make(map[string]string)}
	for _, tok := range strings.Split(header, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if idx := strings.Index(tok, "="); idx >= 0 {
			t.Fields[tok[:idx]] = tok[idx+1:]
			continue
		}
		t.Flags = append(t.Flags, tok)
	}
	return t
}
