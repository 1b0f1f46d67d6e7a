package term_view

import (
	"fmt"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh/terminal"
)

// ProgressLog renders a live view of the tunnel at the bottom of the
// terminal: the public url plus a table of active streams per target.
// It doubles as a logrus output so log lines scroll above the view.
type ProgressLog struct {
	TunnelURL  string
	StreamSize uint            // active proxied streams
	Targets    map[string]uint // active streams per target host
	Writer     *Writer
	mtx        *sync.Mutex
}

func NewPLog() *ProgressLog {
	plog := ProgressLog{
		Targets: map[string]uint{},
		mtx:     &sync.Mutex{},
	}
	plog.Writer = NewWriter()
	return &plog
}

// SetTunnelURL records the public url shown above the table.
func (p *ProgressLog) SetTunnelURL(url string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.TunnelURL = url
	p.setLogBuffer()
	_ = p.Writer.Flush(nil)
}

// SetCounters replaces the live stream counters and redraws.
func (p *ProgressLog) SetCounters(total uint, targets map[string]uint) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.StreamSize = total
	p.Targets = targets
	p.setLogBuffer()
	_ = p.Writer.Flush(nil)
}

// update progress log.
func (p *ProgressLog) setLogBuffer() {
	_, terminalRows, err := terminal.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		logrus.Error(err)
		return
	}

	w := new(tabwriter.Writer)
	w.Init(p.Writer, 0, 0, 5, ' ', 0)
	defer w.Flush()

	if p.TunnelURL != "" {
		_, _ = fmt.Fprintf(w, "TUNNEL\t%s\t\n", p.TunnelURL)
		terminalRows--
	}
	_, _ = fmt.Fprintf(w, "TARGETs\tSTREAMs\t\n")
	terminalRows--

	hidden := len(p.Targets)
	if terminalRows >= 2 { // keep one row for the total and one for the newline
		for target, size := range p.Targets {
			if terminalRows <= 2 {
				break
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t\n", target, size)
			terminalRows--
			hidden--
		}
		if hidden == 0 {
			_, _ = fmt.Fprintf(w, "TOTAL\t%d\t\n", p.StreamSize)
		} else {
			_, _ = fmt.Fprintf(w, "TOTAL\t%d\t(%d record(s) hidden)\t\n", p.StreamSize, hidden)
		}
	}
}

// Write lets ProgressLog serve as a log output: the log line lands above
// the live view, which is redrawn underneath.
func (p *ProgressLog) Write(buf []byte) (int, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.setLogBuffer()
	err := p.Writer.Flush(func() error {
		if _, err := p.Writer.OutDev.Write(buf); err != nil {
			return err
		}
		return nil
	})
	return len(buf), err
}
