package unit

import (
	"bytes"
	"sync"
	"testing"
)

func TestLogBuffer_Write(t *testing.T) {
	lb := NewLogBuffer(1024)

	msg := "Setting up swapspace version 1\n"
	n, err := lb.Write([]byte(msg))
	if err != nil || n != len(msg) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if got := lb.GetBuffer(); string(got) != msg {
		t.Errorf("GetBuffer = %q, want %q", got, msg)
	}
}

func TestLogBuffer_MaxSize(t *testing.T) {
	lb := NewLogBuffer(16)

	// Excess is dropped but the writer is never told.
	n, _ := lb.Write([]byte("0123456789abcdef_excess_data"))
	if n != 28 {
		t.Errorf("Write = %d, want 28", n)
	}
	got := lb.GetBuffer()
	if string(got) != "0123456789abcdef" {
		t.Errorf("buffer = %q, want %q", got, "0123456789abcdef")
	}
}

func TestLogBuffer_Clear(t *testing.T) {
	lb := NewLogBuffer(1024)
	lb.buf = []byte("some data\n")

	got := lb.GetBufferAndClear()
	if string(got) != "some data\n" {
		t.Errorf("GetBufferAndClear = %q, want %q", got, "some data\n")
	}
	if got2 := lb.GetBuffer(); got2 != nil {
		t.Errorf("GetBuffer after clear = %q, want nil", got2)
	}
}

func TestLogBuffer_Marker(t *testing.T) {
	lb := NewLogBuffer(1024)

	lb.AppendMarker("swapoff /dev/sda2")
	if len(lb.buf) != 0 {
		t.Errorf("marker added to empty buffer")
	}

	lb.buf = []byte("line1\n")
	lb.AppendMarker("swapoff /dev/sda2")
	expected := "line1\n(slunit: note: swapoff /dev/sda2)\n"
	if string(lb.buf) != expected {
		t.Errorf("buf = %q, want %q", lb.buf, expected)
	}

	lb.buf = []byte("partial")
	lb.AppendMarker("swapon /dev/sda2")
	expected = "partial\n(slunit: note: swapon /dev/sda2)\n"
	if string(lb.buf) != expected {
		t.Errorf("buf = %q, want %q", lb.buf, expected)
	}

	// No room left for the marker.
	small := NewLogBuffer(8)
	small.buf = []byte("1234567\n")
	small.AppendMarker("x")
	if string(small.buf) != "1234567\n" {
		t.Errorf("marker written past the limit: %q", small.buf)
	}
}

func TestLogBuffer_ConcurrentAccess(t *testing.T) {
	lb := NewLogBuffer(8192)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			lb.Write([]byte("data\n"))
		}
	}()
	for i := 0; i < 10; i++ {
		_ = lb.GetBuffer()
	}
	wg.Wait()

	got := lb.GetBuffer()
	if !bytes.Contains(got, []byte("data\n")) || len(got) != 500 {
		t.Errorf("buffer has %d bytes, want 500", len(got))
	}
}
