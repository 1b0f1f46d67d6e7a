// most code in this sub-package is copy or modified from https://github.com/gosuri/uilive

package term_view

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// FdWriter is a writer with a file descriptor.
type FdWriter interface {
	io.Writer
	Fd() uintptr
}

// Writer updates the terminal in place when Flush is called.
type Writer struct {
	OutDev    io.Writer
	buf       bytes.Buffer
	mtx       *sync.Mutex
	lineCount int // lines written to the terminal on the last flush
}

// NewWriter returns a new Writer writing to stdout.
func NewWriter() *Writer {
	return &Writer{
		OutDev: os.Stdout,
		mtx:    &sync.Mutex{},
	}
}

// Write buffers contents for the next Flush.
func (w *Writer) Write(buf []byte) (n int, err error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.buf.Write(buf)
}

// Flush clears the previously rendered lines and writes the buffer out.
// onLinesCleared, when set, runs between the clear and the rewrite so
// passthrough output (log lines) can scroll above the live view.
func (w *Writer) Flush(onLinesCleared func() error) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.buf.Len() == 0 {
		return nil
	}
	w.clearLines()
	if onLinesCleared != nil {
		if err := onLinesCleared(); err != nil {
			return err
		}
	}

	lines := 0
	for _, b := range w.buf.Bytes() {
		if b == '\n' {
			lines++
		}
	}
	w.lineCount = lines
	_, err := w.OutDev.Write(w.buf.Bytes())
	w.buf.Reset()
	return err
}
