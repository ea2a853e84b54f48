package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// PipePort is an in-memory SerialPorter for tests. Lines passed to Feed are
// read by the mux; writes are captured for inspection.
type PipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	written  bytes.Buffer
	closed   bool
	WriteErr error // returned by Write when set
}

func NewPipePort() *PipePort {
	r, w := io.Pipe()
	return &PipePort{r: r, w: w}
}

func (p *PipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *PipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("serial port closed")
	}
	if p.WriteErr != nil {
		return 0, p.WriteErr
	}
	return p.written.Write(b)
}

// Feed writes one line to the read side. It blocks until the mux reads it.
func (p *PipePort) Feed(line string) error {
	_, err := io.WriteString(p.w, line+"\n")
	return err
}

// EndFeed signals end of stream to the reader.
func (p *PipePort) EndFeed() error { return p.w.Close() }

// FailFeed makes the next read return err.
func (p *PipePort) FailFeed(err error) error { return p.w.CloseWithError(err) }

// Written returns everything written to the port.
func (p *PipePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *PipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.w.Close()
	return p.r.Close()
}
