package conn

import (
	stdErrors "errors"

	rtsperrors "github.com/alxayo/raop-rtsp/internal/errors"
	"github.com/alxayo/raop-rtsp/internal/rtsp/message"
)

// headerEquals reports whether msg carries header name with the exact
// value want (case-insensitive on the name, exact on the value).
func headerEquals(msg *message.Message, name, want string) bool {
	v, ok := msg.Header(name)
	return ok && v == want
}

// isParseError reports whether err's chain is a ParseError, matching it
// into target for callers that want the typed value (unused here beyond
// the boolean, but kept for parity with the errors.As idiom used
// elsewhere in this codebase).
func isParseError(err error, target **rtsperrors.ParseError) bool {
	return stdErrors.As(err, target)
}

// cannedResponse builds a minimal, self-contained response for error
// paths that have no well-formed request to key off (e.g. a malformed
// request line, where no CSeq could be read).
func cannedResponse(status int, text string) *message.Message {
	resp := message.New()
	resp.SetStatus(status, text)
	return resp
}
