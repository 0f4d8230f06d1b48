package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"
)

// doneSentinel is the terminal SSE frame every streamed response must end
// with exactly once.
const doneSentinel = "data: [DONE]\n\n"

// contentMarker is the literal the counting heuristic keys off: for
// each forwarded chunk containing it, the value between marker+11 and the
// next `",` is charged at length/4 toward the running token count.
const contentMarker = `"content":`

// Flusher is satisfied by gin.ResponseWriter and by any http.ResponseWriter
// paired with its http.Flusher; StreamRelay only needs to push bytes out immediately after each chunk so
// a slow client sees backpressure rather than a buffered dump at the end.
type Flusher interface {
	io.Writer
	Flush()
}

// StreamRelay forwards an upstream SSE body to the client unmodified,
// counts response tokens via the heuristic, and guarantees exactly one
// terminal [DONE] frame even when the upstream connection fails
// mid-stream. It never debits the ledger: streaming requests are billed
// once, at admission, for the pre-request estimate, so charging the
// relayed count again would double-bill. The returned token count is for
// logging/diagnostics only.
type StreamRelay struct{}

// NewStreamRelay builds a StreamRelay. It carries no state between calls.
func NewStreamRelay() *StreamRelay { return &StreamRelay{} }

// Relay copies every byte of body to w, flushing after each chunk, until
// EOF or a transport fault. On a clean EOF it appends the [DONE] sentinel
// unless a relayed chunk already contained one. On a fault before any
// [DONE] was relayed it emits a single SSE error frame (connection_error/503 for a dropped connection,
// stream_error/500 otherwise) followed by [DONE], then returns nil — a
// mid-stream fault is reported in-band to the client, never as a Go error
// bubbling up to an HTTP status, since the 200 and the SSE headers are
// already on the wire.
func (s *StreamRelay) Relay(ctx context.Context, w Flusher, body io.ReadCloser) (tokenCount int64, err error) {
	defer func() { _ = body.Close() }()

	reader := bufio.NewReaderSize(body, 64*1024)
	sawDone := false

	for {
		chunk, readErr := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			if _, werr := w.Write(chunk); werr != nil {
				// The client went away; nothing left to relay to.
				return tokenCount, nil
			}
			w.Flush()
			tokenCount += countContentTokens(chunk)
			if strings.Contains(string(chunk), "[DONE]") {
				sawDone = true
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if !sawDone {
				_, _ = w.Write([]byte(doneSentinel))
				w.Flush()
			}
			return tokenCount, nil
		}

		if !sawDone {
			writeFault(w, readErr)
		}
		return tokenCount, nil
	}
}

// writeFault emits a single in-band SSE error frame followed by the
// terminal sentinel.
func writeFault(w Flusher, readErr error) {
	msg, typ, code := classifyFault(readErr)
	log.Warnf("streamrelay: upstream read failed, converting to in-band SSE error: %v", readErr)
	frame := fmt.Sprintf("data: {\"error\":{\"message\":%q,\"type\":%q,\"code\":%d}}\n\n", msg, typ, code)
	_, _ = w.Write([]byte(frame))
	_, _ = w.Write([]byte(doneSentinel))
	w.Flush()
}

// classifyFault distinguishes a dropped connection (503 connection_error)
// from any other transport fault (500 stream_error).
func classifyFault(err error) (message string, errType string, code int) {
	var netErr net.Error
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) {
		return "Connection interrupted", "connection_error", 503
	}
	return "Stream processing error: " + err.Error(), "stream_error", 500
}

// countContentTokens implements the chunk counting rule: locate the range
// between the first `"content":` occurrence + 11 and the next `",` marker,
// and charge length/4 (integer division). When no `",` follows, the range
// ends at the next `"`, and when there is none either it runs to the end of
// the chunk. Chunks without the marker contribute zero; counting must never
// block or fail forwarding.
func countContentTokens(chunk []byte) int64 {
	s := string(chunk)
	idx := strings.Index(s, contentMarker)
	if idx < 0 {
		return 0
	}
	start := idx + len(contentMarker) + 1
	if start > len(s) {
		return 0
	}
	rest := s[start:]
	value := rest
	if end := strings.Index(rest, `",`); end >= 0 {
		value = rest[:end]
	} else if end := strings.IndexByte(rest, '"'); end >= 0 {
		value = rest[:end]
	}
	return int64(len(value)) / 4
}
