package wsrpc

import (
	"io"
	"net"
	"sync"
)

// pipeFrames is one end of an in-memory frame pipe.
type pipeFrames struct {
	mu     sync.Mutex
	closed bool
	out    chan<- []byte
	in     <-chan []byte
}

func (p *pipeFrames) ReadMessage() ([]byte, error) {
	data, ok := <-p.in
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (p *pipeFrames) WriteMessage(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return net.ErrClosed
	}
	p.out <- data
	return nil
}

func (p *pipeFrames) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.out)
	return nil
}

// Pipe returns two connected RPC endpoints backed by in-memory channels.
// Frames written on one end arrive on the other in order. Closing either
// end surfaces as a read error on the peer.
func Pipe() (*Conn, *Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)

	a := newConn(&pipeFrames{out: ab, in: ba})
	b := newConn(&pipeFrames{out: ba, in: ab})

	return a, b
}
