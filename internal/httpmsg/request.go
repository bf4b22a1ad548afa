// Package httpmsg is the HTTP/1.1 request parser and response serializer
// used by Connection.Process. It implements just enough of RFC 7230 to
// drive that state machine: request-line + header parsing,
// Connection:keep-alive/close handling, static file GET with Content-Type
// sniffing by extension, and two fixed dynamic routes (/cgi-bin/login,
// /cgi-bin/register) backed by a small username/password store.
package httpmsg

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kagehttp/reactorweb/internal/buffer"
)

// maxHeaderBytes bounds how much input ParseRequest will let accumulate
// without a header terminator before giving up with ErrHeaderTooLarge, so a
// client that never sends "\r\n\r\n" cannot force unbounded buffering.
const maxHeaderBytes = 64 * 1024

// ErrHeaderTooLarge is returned when more than maxHeaderBytes are buffered
// and no "\r\n\r\n" has appeared in them. A terminator that is present is
// accepted wherever it lies.
var ErrHeaderTooLarge = errors.New("httpmsg: header section exceeds limit")

// ErrMalformed is returned for a request line or header line that doesn't
// parse; callers translate this into a 400 response.
var ErrMalformed = errors.New("httpmsg: malformed request")

// Request is a parsed HTTP/1.1 (or 1.0) request.
type Request struct {
	Method    string
	Path      string
	Version   string
	Headers   map[string]string
	Body      []byte
	KeepAlive bool
}

// Header looks up a header case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	v, ok := r.Headers[strings.ToLower(name)]
	return v, ok
}

// ParseRequest attempts to parse one complete request from the front of
// buf's readable region. It returns (nil, false, nil) when more data is
// needed, consuming nothing in that case so a later call can retry once
// more bytes have arrived. On a complete parse it consumes exactly the
// bytes belonging to this request (header block + body) via buf.Retrieve.
func ParseRequest(buf *buffer.Buffer) (*Request, bool, error) {
	data := buf.Peek()

	headerEnd := bytes.Index(data, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		if len(data) > maxHeaderBytes {
			return nil, false, ErrHeaderTooLarge
		}
		return nil, false, nil
	}

	headerBlock := data[:headerEnd]
	lines := bytes.Split(headerBlock, []byte("\r\n"))
	if len(lines) == 0 {
		return nil, false, ErrMalformed
	}

	req := &Request{Headers: make(map[string]string)}
	if err := parseRequestLine(string(lines[0]), req); err != nil {
		return nil, false, err
	}
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		k, v, err := parseHeaderLine(string(line))
		if err != nil {
			return nil, false, err
		}
		req.Headers[strings.ToLower(k)] = v
	}

	bodyStart := headerEnd + 4
	contentLen := 0
	if cl, ok := req.Header("Content-Length"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return nil, false, ErrMalformed
		}
		contentLen = n
	}

	total := bodyStart + contentLen
	if len(data) < total {
		return nil, false, nil // body not fully arrived yet
	}

	req.Body = append([]byte(nil), data[bodyStart:total]...)
	req.KeepAlive = computeKeepAlive(req)

	buf.Retrieve(total)
	return req, true, nil
}

func parseRequestLine(line string, req *Request) error {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return ErrMalformed
	}
	req.Method, req.Path, req.Version = parts[0], parts[1], parts[2]
	if req.Method == "" || req.Path == "" {
		return ErrMalformed
	}
	if req.Version != "HTTP/1.0" && req.Version != "HTTP/1.1" {
		return ErrMalformed
	}
	return nil
}

func parseHeaderLine(line string) (key, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("%w: header %q missing colon", ErrMalformed, line)
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", ErrMalformed
	}
	return key, value, nil
}

func computeKeepAlive(req *Request) bool {
	conn, ok := req.Header("Connection")
	conn = strings.ToLower(strings.TrimSpace(conn))
	if req.Version == "HTTP/1.1" {
		return !(ok && conn == "close")
	}
	return ok && conn == "keep-alive"
}
