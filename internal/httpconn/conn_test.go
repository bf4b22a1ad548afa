package httpconn

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/kagehttp/reactorweb/internal/httpmsg"
)

// socketpair returns two connected, non-blocking unix domain socket fds,
// the cheapest stand-in for a real client/server TCP pair when exercising
// raw-fd Read/Writev paths without actually binding a listener.
func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatal(err)
		}
	}
	return fds[0], fds[1]
}

func TestReadPullsBytesFromFd(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(b)

	c := New(&httpmsg.Handler{ResourceDir: "."})
	c.Init(a, nil, false)
	defer c.Close()

	msg := "GET / HTTP/1.1\r\n\r\n"
	if _, err := unix.Write(b, []byte(msg)); err != nil {
		t.Fatal(err)
	}

	n, err := c.Read()
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("got n=%d want %d", n, len(msg))
	}
	if c.input.ReadableBytes() != len(msg) {
		t.Fatalf("input buffer has %d bytes, want %d", c.input.ReadableBytes(), len(msg))
	}
}

func TestProcessIncompleteRequestWantsMoreRead(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(b)

	c := New(&httpmsg.Handler{ResourceDir: "."})
	c.Init(a, nil, false)
	defer c.Close()

	unix.Write(b, []byte("GET / HTTP/1.1\r\n"))
	c.Read()

	if c.Process() {
		t.Fatal("expected incomplete request to report not-ready")
	}
	if c.state != StateReading {
		t.Fatalf("expected state to remain Reading, got %v", c.state)
	}
}

func TestProcessMalformedRequestProducesBadRequest(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(b)

	c := New(&httpmsg.Handler{ResourceDir: "."})
	c.Init(a, nil, false)
	defer c.Close()

	unix.Write(b, []byte("not a valid http request at all\r\n\r\n"))
	c.Read()

	if !c.Process() {
		t.Fatal("expected malformed request to be immediately ready to write")
	}
	if c.state != StateWriting {
		t.Fatalf("expected state Writing, got %v", c.state)
	}
	if c.toWrite == 0 {
		t.Fatal("expected a non-empty 400 response queued")
	}
}

func TestWriteDrainsHeadAndBodyAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/index.html", []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, b := socketpair(t)
	defer unix.Close(b)

	c := New(&httpmsg.Handler{ResourceDir: dir})
	c.Init(a, nil, false)
	defer c.Close()

	unix.Write(b, []byte("GET /index.html HTTP/1.1\r\nConnection: close\r\n\r\n"))
	c.Read()
	if !c.Process() {
		t.Fatal("expected complete request to be ready")
	}

	total := c.toWrite
	written := 0
	for written < total {
		n, err := c.Write()
		if err != nil {
			t.Fatalf("unexpected write error: %v", err)
		}
		if n == 0 {
			break
		}
		written += n
	}
	if written != total {
		t.Fatalf("wrote %d bytes, wanted %d", written, total)
	}
	if c.toWrite != 0 {
		t.Fatalf("expected toWrite to reach zero, got %d", c.toWrite)
	}
	if c.IsKeepAlive() {
		t.Fatal("Connection: close should disable keep-alive")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(b)

	c := New(&httpmsg.Handler{ResourceDir: "."})
	c.Init(a, nil, false)

	c.Close()
	c.Close() // must not panic or double-close the fd

	if !c.Closed() {
		t.Fatal("expected Closed() to report true after Close")
	}
}

func TestTimerKeysAreUniquePerInit(t *testing.T) {
	a1, b1 := socketpair(t)
	defer unix.Close(a1)
	defer unix.Close(b1)
	a2, b2 := socketpair(t)
	defer unix.Close(a2)
	defer unix.Close(b2)

	c1 := New(&httpmsg.Handler{ResourceDir: "."})
	c1.Init(a1, nil, false)
	defer c1.Close()

	c2 := New(&httpmsg.Handler{ResourceDir: "."})
	c2.Init(a2, nil, false)
	defer c2.Close()

	if c1.TimerKey() == c2.TimerKey() {
		t.Fatal("expected distinct timer keys across connections")
	}
}
