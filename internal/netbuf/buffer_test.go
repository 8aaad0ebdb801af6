package netbuf

import (
	"bytes"
	"testing"
)

func TestEnsureGrowth(t *testing.T) {
	tests := []struct {
		name    string
		prefill int
		ask     int
		wantCap int
	}{
		{"empty small ask", 0, 1, 128},
		{"empty exact minimum", 0, 128, 128},
		{"empty large ask", 0, 500, 500},
		{"half-cap step wins", 400, 1, 600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b Buffer
			if tt.prefill > 0 {
				b.Append(make([]byte, tt.prefill))
			}
			b.Ensure(tt.ask)
			if b.Cap() < tt.wantCap {
				t.Errorf("Cap() = %d, want >= %d", b.Cap(), tt.wantCap)
			}
		})
	}
}

func TestEnsureNoopWhenRoomExists(t *testing.T) {
	var b Buffer
	b.Ensure(64)
	capBefore := b.Cap()
	b.Ensure(32)
	if b.Cap() != capBefore {
		t.Errorf("Ensure grew a buffer that already had room: %d -> %d", capBefore, b.Cap())
	}
}

func TestAppendConsumeFIFO(t *testing.T) {
	var b Buffer
	b.Append([]byte("hello "))
	b.Append([]byte("world"))
	if got := string(b.Bytes()); got != "hello world" {
		t.Fatalf("Bytes() = %q, want %q", got, "hello world")
	}

	b.Consume(6)
	if got := string(b.Bytes()); got != "world" {
		t.Errorf("after Consume(6), Bytes() = %q, want %q", got, "world")
	}
	if b.Avail() != 5 {
		t.Errorf("Avail() = %d, want 5", b.Avail())
	}

	b.Consume(100)
	if b.Avail() != 0 {
		t.Errorf("Consume past end left Avail() = %d", b.Avail())
	}
}

func TestTailExtendRead(t *testing.T) {
	var b Buffer
	b.Append([]byte("abc"))
	b.Ensure(16)
	n := copy(b.Tail(), "def")
	b.Extend(n)
	if got := string(b.Bytes()); got != "abcdef" {
		t.Errorf("Bytes() = %q, want %q", got, "abcdef")
	}
}

func TestConsumeZeroAndNegative(t *testing.T) {
	var b Buffer
	b.Append([]byte("data"))
	b.Consume(0)
	b.Consume(-1)
	if got := string(b.Bytes()); got != "data" {
		t.Errorf("Bytes() = %q after no-op consumes", got)
	}
}

func TestGrowthPreservesContent(t *testing.T) {
	var b Buffer
	payload := bytes.Repeat([]byte{0xab}, 300)
	for i := 0; i < 10; i++ {
		b.Append(payload)
	}
	if b.Avail() != 3000 {
		t.Fatalf("Avail() = %d, want 3000", b.Avail())
	}
	for i, c := range b.Bytes() {
		if c != 0xab {
			t.Fatalf("byte %d = %#x after growth", i, c)
		}
	}
}

func TestPoison(t *testing.T) {
	var b Buffer
	b.Append([]byte("secret"))
	b.Poison()
	if b.Avail() != 0 || b.Cap() != 0 {
		t.Errorf("Poison left avail=%d cap=%d", b.Avail(), b.Cap())
	}
}
