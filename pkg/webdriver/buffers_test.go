package webdriver

import (
	"bytes"
	"strings"
	"testing"
)

func TestBufferPoolBasic(t *testing.T) {
	pool := newBufferPool()

	b1 := pool.get()
	if b1.Len() != 0 {
		t.Errorf("expected empty buffer, got len=%d", b1.Len())
	}
	if b1.Cap() < initialBufferSize {
		t.Errorf("expected capacity at least %d, got %d", initialBufferSize, b1.Cap())
	}
	b1.WriteString("hello world")
	pool.put(b1)

	b2 := pool.get()
	if b2.Len() != 0 {
		t.Errorf("expected empty buffer after get, got len=%d", b2.Len())
	}
	b2.WriteString("test")
	if b2.String() != "test" {
		t.Errorf("expected 'test', got '%s'", b2.String())
	}
}

func TestBufferPoolNilPool(t *testing.T) {
	var pool *bufferPool

	b := pool.get()
	if b.Len() != 0 {
		t.Errorf("expected empty buffer, got len=%d", b.Len())
	}
	pool.put(b)
}

func TestBufferPoolDropsOversizedBuffers(t *testing.T) {
	pool := newBufferPool()
	big := bytes.NewBufferString(strings.Repeat("x", maxPooledBufferSize+1))
	pool.put(big)

	for i := 0; i < 10; i++ {
		if b := pool.get(); b == big {
			t.Fatal("oversized buffer was pooled")
		}
	}
}

func TestResponseRelease(t *testing.T) {
	buf := responseBuffers.get()
	buf.WriteString(`{"value":{}}`)
	r := &response{code: 200, body: buf.Bytes(), buf: buf}

	r.release()
	if r.body != nil || r.buf != nil {
		t.Error("release should drop the body")
	}
	r.release()

	var nilResp *response
	nilResp.release()
}
