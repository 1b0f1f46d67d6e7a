package tunnel

import (
	"encoding/binary"
	"errors"
	"sync"
)

// Frame layout, one frame per transport message (the websocket preserves
// message boundaries, so no length prefix is needed):
//
//	[kind:1B][stream id:4B big-endian][payload...]
//
// kind is 0x00 (DATA) or 0x01 (CLOSE), so the first byte of a multiplexed
// frame can never be 0x7b ('{') and never shadows the one-shot JSON
// control message.
const (
	frameData  byte = 0x00
	frameClose byte = 0x01
)

const frameHeaderLen = 5

var (
	ErrMuxClosed    = errors.New("tunnel: multiplexer closed")
	ErrStreamClosed = errors.New("tunnel: stream closed")
	ErrShortFrame   = errors.New("tunnel: frame shorter than header")
)

// Multiplexer runs many logical byte streams over one ordered message
// transport. It owns stream-ID demultiplexing state and nothing else:
// message type tags inside payloads are opaque to it.
type Multiplexer struct {
	write func(data []byte) error

	mu       sync.Mutex
	onStream func(*Stream)
	streams  map[uint32]*Stream
	nextID   uint32
	closed   bool
}

// NewMultiplexer wires a multiplexer to a transport write function. The
// write function must be safe for concurrent use (streams write from
// independent goroutines).
func NewMultiplexer(write func(data []byte) error) *Multiplexer {
	return &Multiplexer{
		write:   write,
		streams: make(map[uint32]*Stream),
		nextID:  1, // locally originated streams take odd IDs
	}
}

// OnStream registers the callback invoked exactly once per stream ID first
// seen from the remote side, in arrival order. The callback must register
// the stream's OnData/OnClose handlers before returning.
func (m *Multiplexer) OnStream(fn func(*Stream)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStream = fn
}

// Open originates a stream on the local side. The tunnel client only
// accepts server-opened streams, but the contract is symmetric.
func (m *Multiplexer) Open() (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMuxClosed
	}
	s := newStream(m.nextID, m)
	m.nextID += 2
	m.streams[s.id] = s
	go s.dispatchLoop()
	return s, nil
}

// HandleMessage demultiplexes one raw transport message. It must be called
// for every inbound transport message that is not the one-shot JSON control
// message.
func (m *Multiplexer) HandleMessage(data []byte) error {
	if len(data) < frameHeaderLen {
		return ErrShortFrame
	}
	kind := data[0]
	id := binary.BigEndian.Uint32(data[1:frameHeaderLen])
	payload := data[frameHeaderLen:]

	switch kind {
	case frameData:
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrMuxClosed
		}
		s, ok := m.streams[id]
		var onStream func(*Stream)
		if !ok {
			s = newStream(id, m)
			m.streams[id] = s
			onStream = m.onStream
		}
		m.mu.Unlock()

		if !ok {
			if onStream != nil {
				onStream(s)
			}
			go s.dispatchLoop()
		}
		s.push(payload)
		return nil

	case frameClose:
		m.mu.Lock()
		s, ok := m.streams[id]
		if ok {
			delete(m.streams, id)
		}
		m.mu.Unlock()
		if ok {
			s.remoteClose()
		}
		return nil

	default:
		// Unknown frame kinds are ignored: the framing is forward-extensible.
		return nil
	}
}

// CloseAll force-closes every open stream with a synthetic close event so
// handlers can cancel their outbound work. Called on transport disconnect;
// the multiplexer accepts no further traffic afterwards.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	m.closed = true
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = make(map[uint32]*Stream)
	m.mu.Unlock()

	for _, s := range streams {
		s.remoteClose()
	}
}

func (m *Multiplexer) release(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
}

func encodeFrame(kind byte, id uint32, payload []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:frameHeaderLen], id)
	copy(buf[frameHeaderLen:], payload)
	return buf
}

type inboxItem struct {
	data  []byte
	close bool // terminates the dispatch goroutine
}

// Stream is one logical byte stream. It carries exactly one proxied
// request end to end and is never reused. Payload delivery runs on a
// dedicated goroutine with an unbounded inbox, so a slow consumer never
// blocks delivery to other streams.
type Stream struct {
	id  uint32
	mux *Multiplexer

	mu       sync.Mutex
	queue    []inboxItem
	notify   chan struct{}
	onData   func(data []byte)
	onClose  func()
	closed   bool
	finished bool // close sentinel already queued
}

func newStream(id uint32, m *Multiplexer) *Stream {
	return &Stream{
		id:     id,
		mux:    m,
		notify: make(chan struct{}, 1),
	}
}

// ID is the stream's identifier, unique within one transport connection.
func (s *Stream) ID() uint32 { return s.id }

// OnData registers the inbound payload callback. Payloads are delivered in
// transport order, one at a time.
func (s *Stream) OnData(fn func(data []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = fn
}

// OnClose registers the callback fired when the remote side closes the
// stream or the transport drops. It does not fire on a local Close. The
// callback runs out-of-band, possibly concurrent with a blocked OnData
// delivery: teardown must not wait behind a slow consumer.
func (s *Stream) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

// Write sends a raw payload on the stream.
func (s *Stream) Write(payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.mu.Unlock()
	return s.mux.write(encodeFrame(frameData, s.id, payload))
}

// WriteTyped prepends a one-byte message type tag to payload and sends it.
// The tag is opaque to the multiplexer.
func (s *Stream) WriteTyped(tag byte, payload []byte) error {
	buf := make([]byte, 1+len(payload))
	buf[0] = tag
	copy(buf[1:], payload)
	return s.Write(buf)
}

// Close releases the stream and tells the remote side it is gone.
// Closing an already-closed stream is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.enqueueLocked(inboxItem{close: true})
	s.mu.Unlock()

	s.mux.release(s.id)
	return s.mux.write(encodeFrame(frameClose, s.id, nil))
}

// remoteClose tears the stream down on behalf of the remote side (CLOSE
// frame) or the transport (disconnect). The close callback fires here,
// not on the dispatch goroutine: a delivery blocked inside OnData (a full
// body pipe, say) must not delay teardown, the callback is what unblocks
// it.
func (s *Stream) remoteClose() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	onClose := s.onClose
	s.enqueueLocked(inboxItem{close: true})
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

func (s *Stream) push(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.enqueueLocked(inboxItem{data: data})
	s.mu.Unlock()
}

func (s *Stream) enqueueLocked(item inboxItem) {
	if s.finished {
		return
	}
	if item.close {
		s.finished = true
	}
	s.queue = append(s.queue, item)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) dispatchLoop() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.notify
			continue
		}
		batch := s.queue
		s.queue = nil
		onData := s.onData
		s.mu.Unlock()

		for _, item := range batch {
			if item.close {
				return
			}
			if onData != nil {
				onData(item.data)
			}
		}
	}
}
