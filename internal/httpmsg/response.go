package httpmsg

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/kagehttp/reactorweb/internal/buffer"
)

// Response is what Handle produces: a serialized status line + headers,
// plus an optional memory-mapped body for static files. Connection.Write
// pairs Head and Body as the two regions of its writev iovec, so static
// file bodies go out without an extra copy into userspace.
type Response struct {
	Head      []byte // status line + headers + blank line
	Body      []byte // mmap'd static file body, or a plain generated HTML body
	unmap     func()
	KeepAlive bool
}

// Release unmaps any memory-mapped body. Connection calls this when the
// Response is replaced by the next one, or when the connection closes.
func (r *Response) Release() {
	if r.unmap != nil {
		r.unmap()
		r.unmap = nil
	}
}

var statusText = map[int]string{
	200: "OK",
	303: "See Other",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	500: "Internal Server Error",
	503: "Service Unavailable",
}

// Handler resolves a parsed Request into a Response. ResourceDir is the
// static file root; login/register dispatches to the supplied AuthStore,
// a small username/password demo backed by a relational store.
type Handler struct {
	ResourceDir string
	Auth        AuthStore
}

// AuthStore is the minimal contract Handle needs from internal/dbpool-backed
// storage: check credentials and register new ones. Kept narrow so
// httpmsg does not import database/sql directly.
type AuthStore interface {
	CheckLogin(user, pass string) (bool, error)
	Register(user, pass string) (bool, error)
}

// Handle produces the Response for req. It never returns an error: every
// failure mode (missing file, bad form, db error) becomes a status-coded
// Response, so clients only ever observe standard HTTP status codes.
func (h *Handler) Handle(req *Request) *Response {
	switch {
	case req.Method == "GET" && req.Path == "/cgi-bin/login":
		return h.handleAuth(req, false)
	case req.Method == "POST" && req.Path == "/cgi-bin/login":
		return h.handleAuth(req, false)
	case req.Method == "POST" && req.Path == "/cgi-bin/register":
		return h.handleAuth(req, true)
	case req.Method == "GET" || req.Method == "HEAD":
		return h.handleStatic(req)
	default:
		return h.errorResponse(req, 400, "unsupported method")
	}
}

func (h *Handler) handleStatic(req *Request) *Response {
	clean := path.Clean("/" + req.Path)
	if clean == "/" {
		clean = "/index.html"
	}
	if strings.Contains(req.Path, "..") {
		return h.errorResponse(req, 400, "invalid path")
	}

	full := filepath.Join(h.ResourceDir, filepath.FromSlash(clean))
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return h.errorResponse(req, 404, "not found")
		}
		return h.errorResponse(req, 403, "forbidden")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || st.IsDir() {
		return h.errorResponse(req, 404, "not found")
	}
	size := int(st.Size())

	var body []byte
	var unmap func()
	if size > 0 {
		data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return h.errorResponse(req, 500, "mmap failed")
		}
		body = data
		unmap = func() { unix.Munmap(data) }
	}

	head := buildHead(200, map[string]string{
		"Content-Type":   contentType(clean),
		"Content-Length": strconv.Itoa(size),
	}, req.KeepAlive)

	if req.Method == "HEAD" {
		if unmap != nil {
			unmap()
		}
		return &Response{Head: head, KeepAlive: req.KeepAlive}
	}
	return &Response{Head: head, Body: body, unmap: unmap, KeepAlive: req.KeepAlive}
}

func (h *Handler) handleAuth(req *Request, register bool) *Response {
	values, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return h.errorResponse(req, 400, "malformed form body")
	}
	user := values.Get("username")
	pass := values.Get("password")
	if user == "" || pass == "" {
		return h.errorResponse(req, 400, "missing username or password")
	}
	if h.Auth == nil {
		return h.errorResponse(req, 500, "no database configured")
	}

	var ok bool
	if register {
		ok, err = h.Auth.Register(user, pass)
	} else {
		ok, err = h.Auth.CheckLogin(user, pass)
	}
	if err != nil {
		return h.errorResponse(req, 500, "database error")
	}
	if !ok {
		return h.htmlResponse(req, 403, "<html><body>login failed</body></html>")
	}
	return h.htmlResponse(req, 200, "<html><body>ok</body></html>")
}

// BadRequest produces a fixed 400 Response for input Connection.Process
// cannot and will not ever parse (malformed request lines, bad headers).
// Built without a Request because parsing never got far enough to know
// the client's keep-alive preference, so the connection closes.
func (h *Handler) BadRequest() *Response {
	return h.htmlResponse(&Request{KeepAlive: false}, 400, "<html><body>malformed request</body></html>")
}

func (h *Handler) errorResponse(req *Request, status int, msg string) *Response {
	return h.htmlResponse(req, status, fmt.Sprintf("<html><body>%s</body></html>", msg))
}

func (h *Handler) htmlResponse(req *Request, status int, body string) *Response {
	b := []byte(body)
	head := buildHead(status, map[string]string{
		"Content-Type":   "text/html; charset=utf-8",
		"Content-Length": strconv.Itoa(len(b)),
	}, req.KeepAlive)
	return &Response{Head: head, Body: b, KeepAlive: req.KeepAlive}
}

// Busy is the fixed "server busy" preamble for a connection rejected at
// the fd-count ceiling: a short line, then immediate close. The caller
// writes the returned bytes directly to the raw fd and closes it — there
// is no Connection behind a busy rejection.
func Busy() []byte {
	body := "Server busy!"
	head := buildHead(503, map[string]string{
		"Content-Type":   "text/plain",
		"Content-Length": strconv.Itoa(len(body)),
	}, false)
	return append(head, body...)
}

func buildHead(status int, headers map[string]string, keepAlive bool) []byte {
	txt, ok := statusText[status]
	if !ok {
		txt = "Unknown"
	}
	var b buffer.Buffer
	b.Append([]byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, txt)))

	keys := make([]string, 0, len(headers)+1)
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.Append([]byte(fmt.Sprintf("%s: %s\r\n", k, headers[k])))
	}
	if keepAlive {
		b.Append([]byte("Connection: keep-alive\r\n"))
	} else {
		b.Append([]byte("Connection: close\r\n"))
	}
	b.Append([]byte("\r\n"))
	return b.RetrieveAllBytes()
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".ico":
		return "image/x-icon"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
