package tunnel

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ConnRecord tracks the active proxied streams per target host.
type ConnRecord struct {
	StreamSize uint            // total active streams
	Targets    map[string]uint // active streams per target host
	OnChange   func(status ConnStatus)
	mu         sync.Mutex
}

// ConnStatus describes one stream being opened or finished.
type ConnStatus struct {
	Target string
	IsNew  bool
}

func NewConnRecord() *ConnRecord {
	return &ConnRecord{Targets: make(map[string]uint)}
}

func (cr *ConnRecord) Update(status ConnStatus) {
	cr.mu.Lock()
	if status.IsNew {
		cr.StreamSize++
		cr.Targets[status.Target]++
	} else {
		cr.StreamSize--
		if size, ok := cr.Targets[status.Target]; ok && size > 0 {
			if size-1 == 0 {
				delete(cr.Targets, status.Target)
			} else {
				cr.Targets[status.Target] = size - 1
			}
		} else {
			logrus.Error("bad stream record size")
		}
	}
	onChange := cr.OnChange
	cr.mu.Unlock()

	if onChange != nil {
		onChange(status)
	}
}

// Snapshot copies the current counters for display.
func (cr *ConnRecord) Snapshot() (total uint, targets map[string]uint) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	targets = make(map[string]uint, len(cr.Targets))
	for k, v := range cr.Targets {
		targets[k] = v
	}
	return cr.StreamSize, targets
}

// track is the nil-safe hook used by stream handlers: it records the
// stream as active and returns a release function. A nil record tracks
// nothing.
func (cr *ConnRecord) track(target string) func() {
	if cr == nil {
		return func() {}
	}
	cr.Update(ConnStatus{Target: target, IsNew: true})
	var once sync.Once
	return func() {
		once.Do(func() {
			cr.Update(ConnStatus{Target: target, IsNew: false})
		})
	}
}
