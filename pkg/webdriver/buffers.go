package webdriver

import (
	"bytes"
	"sync"
)

const (
	// initialBufferSize fits a status or ping response.
	initialBufferSize = 1024
	// maxPooledBufferSize keeps the odd large capabilities body out of the
	// pool.
	maxPooledBufferSize = 64 * 1024
)

// bufferPool recycles response body buffers across driver round trips.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		pool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, initialBufferSize))
			},
		},
	}
}

// get returns an empty buffer.
func (p *bufferPool) get() *bytes.Buffer {
	if p == nil {
		return bytes.NewBuffer(make([]byte, 0, initialBufferSize))
	}
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// put returns b to the pool. b must not be used afterwards.
func (p *bufferPool) put(b *bytes.Buffer) {
	if p == nil || b == nil || b.Cap() > maxPooledBufferSize {
		return
	}
	p.pool.Put(b)
}

var responseBuffers = newBufferPool()

// response is a driver reply whose body lives in a pooled buffer. Values
// read with gjson.GetBytes are copies and stay valid after release.
type response struct {
	code int
	body []byte
	buf  *bytes.Buffer
}

func (r *response) release() {
	if r == nil || r.buf == nil {
		return
	}
	responseBuffers.put(r.buf)
	r.buf = nil
	r.body = nil
}
