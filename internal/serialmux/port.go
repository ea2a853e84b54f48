package serialmux

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// SerialPorter is the minimal interface needed for a serial port. It lets
// the mux run over files and pipes as well as real hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// ErrReadOnly is returned when writing to a stream that only carries frames.
var ErrReadOnly = errors.New("feed is read-only")

// ReaderPort adapts a read-only stream, such as a recorded feed file or
// stdin, to SerialPorter. Writes fail with ErrReadOnly.
type ReaderPort struct {
	r io.Reader
	c io.Closer
}

// NewReaderPort wraps r. If r is also an io.Closer it is closed by Close.
func NewReaderPort(r io.Reader) *ReaderPort {
	p := &ReaderPort{r: r}
	if c, ok := r.(io.Closer); ok {
		p.c = c
	}
	return p
}

func (p *ReaderPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *ReaderPort) Write([]byte) (int, error) { return 0, ErrReadOnly }

func (p *ReaderPort) Close() error {
	if p.c == nil {
		return nil
	}
	return p.c.Close()
}

// NewFileSerialMux replays a recorded feed file. The path "-" reads stdin.
func NewFileSerialMux(path string) (*SerialMux[*ReaderPort], error) {
	if path == "-" {
		return NewSerialMux(NewReaderPort(io.NopCloser(os.Stdin))), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed file: %w", err)
	}
	return NewSerialMux(NewReaderPort(f)), nil
}
