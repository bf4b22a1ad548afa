package reactor

import (
	"io"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/kagehttp/reactorweb/internal/httpmsg"
	"github.com/kagehttp/reactorweb/internal/logging"
	"github.com/kagehttp/reactorweb/internal/timingwheel"
	"github.com/kagehttp/reactorweb/internal/workerpool"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func newTestReactor(t *testing.T, resourceDir string) (*Reactor, int) {
	t.Helper()
	port := freePort(t)

	pool := workerpool.New(4, 64)
	wheel := timingwheel.New(50*time.Millisecond, 32)
	wheel.Run()
	lg := logging.New(logging.Error, 16)

	r, err := New(Config{
		Port:      port,
		ListenET:  true,
		ConnET:    true,
		MaxFD:     16,
		TimeoutMS: 2000,
		Handler:   &httpmsg.Handler{ResourceDir: resourceDir},
		Pool:      pool,
		Wheel:     wheel,
		Log:       lg,
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		r.Close()
		pool.Close()
		wheel.Close()
		lg.Close()
	})

	go r.Run()
	return r, port
}

func TestReactorServesStaticFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/index.html", []byte("hello reactor"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, port := newTestReactor(t, dir)

	conn, err := dialWithRetry(port)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET /index.html HTTP/1.1\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	body, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !containsString(string(body), "hello reactor") {
		t.Fatalf("expected body to contain file contents, got %q", body)
	}
	if !containsString(string(body), "200") {
		t.Fatalf("expected 200 status, got %q", body)
	}
}

func TestReactorKeepAliveServesTwoRequests(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(dir+"/a.html", []byte("AAA"), 0o644)
	os.WriteFile(dir+"/b.html", []byte("BBB"), 0o644)

	_, port := newTestReactor(t, dir)

	conn, err := dialWithRetry(port)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write([]byte("GET /a.html HTTP/1.1\r\n\r\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, 4096)
	nr, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !containsString(string(buf[:nr]), "AAA") {
		t.Fatalf("expected first response to contain AAA, got %q", buf[:nr])
	}

	conn.Write([]byte("GET /b.html HTTP/1.1\r\nConnection: close\r\n\r\n"))
	body, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !containsString(string(body), "BBB") {
		t.Fatalf("expected second response to contain BBB, got %q", body)
	}
}

func TestReactorRejectsPastCapacity(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(dir+"/index.html", []byte("ok"), 0o644)

	port := freePort(t)
	pool := workerpool.New(2, 16)
	wheel := timingwheel.New(50*time.Millisecond, 8)
	wheel.Run()
	lg := logging.New(logging.Error, 16)

	r, err := New(Config{
		Port:      port,
		ListenET:  true,
		ConnET:    true,
		MaxFD:     1,
		TimeoutMS: 2000,
		Handler:   &httpmsg.Handler{ResourceDir: dir},
		Pool:      pool,
		Wheel:     wheel,
		Log:       lg,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		r.Close()
		pool.Close()
		wheel.Close()
		lg.Close()
	})
	go r.Run()

	held, err := dialWithRetry(port)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()
	// give the reactor a moment to accept and register the first connection
	time.Sleep(100 * time.Millisecond)

	rejected, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatal(err)
	}
	defer rejected.Close()
	rejected.SetReadDeadline(time.Now().Add(2 * time.Second))

	body, err := io.ReadAll(rejected)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if !containsString(string(body), "503") {
		t.Fatalf("expected 503 busy response, got %q", body)
	}
}

func dialWithRetry(port int) (net.Conn, error) {
	var lastErr error
	for i := 0; i < 20; i++ {
		conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	return nil, lastErr
}

func containsString(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
