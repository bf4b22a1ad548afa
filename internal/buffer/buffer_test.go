package buffer

import "testing"

func TestAppendRetrieveRoundTrip(t *testing.T) {
	b := New()
	inputs := []string{"GET / HTTP/1.1\r\n", "Host: example.com\r\n", "\r\n"}

	var want string
	for _, s := range inputs {
		b.Append([]byte(s))
		want += s
	}

	var got string
	for _, s := range inputs {
		got += b.RetrieveAsString(len(s))
	}

	if got != want {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
	if b.readPos != 0 || b.writePos != 0 {
		t.Fatalf("retrieve-to-empty did not reset cursors: read=%d write=%d", b.readPos, b.writePos)
	}
}

func TestRetrieveAllResetsCursors(t *testing.T) {
	b := New()
	b.Append([]byte("hello"))
	b.Retrieve(3)
	if b.PrependableBytes() != 3 {
		t.Fatalf("expected 3 prependable bytes, got %d", b.PrependableBytes())
	}
	b.Retrieve(b.ReadableBytes())
	if b.readPos != 0 || b.writePos != 0 {
		t.Fatalf("retrieve(readable) should reset both cursors, got read=%d write=%d", b.readPos, b.writePos)
	}
}

func TestGrowsWhenWritableAndPrependableInsufficient(t *testing.T) {
	b := NewSize(8)
	b.Append([]byte("12345678")) // fills capacity exactly
	if cap0 := len(b.buf); cap0 != 8 {
		t.Fatalf("expected no growth yet, buf len=%d", cap0)
	}
	b.Append([]byte("9"))
	if len(b.buf) <= 8 {
		t.Fatalf("expected growth past capacity 8, got %d", len(b.buf))
	}
	if got := b.RetrieveAsString(b.ReadableBytes()); got != "123456789" {
		t.Fatalf("got %q after growth", got)
	}
}

func TestCompactsInsteadOfGrowingWhenPrependableSuffices(t *testing.T) {
	b := NewSize(16)
	b.Append([]byte("0123456789")) // 10 bytes readable, 6 writable
	b.Retrieve(8)                  // 2 readable, 8 prependable, 6 writable
	before := len(b.buf)
	b.Append([]byte("abcdefgh")) // needs 8, writable(6)+prependable(8)=14 >= 8 -> compaction
	if len(b.buf) != before {
		t.Fatalf("expected compaction not relocation, buf grew from %d to %d", before, len(b.buf))
	}
	if got := b.RetrieveAsString(b.ReadableBytes()); got != "89abcdefgh" {
		t.Fatalf("got %q after compaction", got)
	}
}

func TestInvariantsHoldAfterOps(t *testing.T) {
	b := New()
	ops := []func(){
		func() { b.Append([]byte("x")) },
		func() { b.Retrieve(1) },
		func() { b.Append(make([]byte, 4096)) },
		func() { b.Retrieve(100) },
	}
	for _, op := range ops {
		op()
		if !(0 <= b.readPos && b.readPos <= b.writePos && b.writePos <= len(b.buf)) {
			t.Fatalf("invariant violated: read=%d write=%d cap=%d", b.readPos, b.writePos, len(b.buf))
		}
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	b := New()
	b.Append([]byte("abc"))
	p := b.Peek()
	if string(p) != "abc" {
		t.Fatalf("peek got %q", p)
	}
	if b.ReadableBytes() != 3 {
		t.Fatalf("peek consumed bytes, readable=%d", b.ReadableBytes())
	}
}
