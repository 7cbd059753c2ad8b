package socket

import (
	"bufio"
	"sync"

	"github.com/pmrhq/pmr/dispatcher"
)

// WaitMask selects which I/O readiness a Handler watches for
// (original_source/src/socket.c MPR_READABLE/MPR_WRITABLE).
type WaitMask int

const (
	Readable WaitMask = 1 << iota
	Writable
)

// Handler relays a Socket's read/write readiness onto a Dispatcher, the
// Go-side stand-in for the original's epoll/kqueue-backed MprWaitHandler
// (original_source/src/socket.c mprAddSocketHandler/mprEnableSocketEvents).
// Go's net.Conn gives no readiness-without-consuming primitive, so
// Readable is detected via a buffered Peek(1): it blocks until a byte is
// available (or the conn errors/closes) without removing it from the
// stream, then relays exactly as the original's wait handler fires once
// per enable. Writable has no equivalent peek and is relayed immediately,
// since a freshly connected TCP socket's send buffer is available.
type Handler struct {
	mu sync.Mutex

	socket     *Socket
	dispatcher *dispatcher.Dispatcher
	proc       dispatcher.Proc
	data       interface{}
	reader     *bufio.Reader

	watching bool
	stop     chan struct{}
	removed  bool
}

// AddSocketHandler installs a Handler on sp, replacing any existing one,
// and immediately enables mask (spec.md §4.4 "mprAddSocketHandler").
func AddSocketHandler(sp *Socket, mask WaitMask, d *dispatcher.Dispatcher, proc dispatcher.Proc, data interface{}) *Handler {
	sp.mu.Lock()
	if sp.handler != nil {
		sp.handler.Remove()
	}
	h := &Handler{
		socket:     sp,
		dispatcher: d,
		proc:       proc,
		data:       data,
		reader:     bufio.NewReader(sp.conn),
	}
	sp.handler = h
	sp.mu.Unlock()

	h.Enable(mask)
	return h
}

// SetDispatcher reassigns which dispatcher future events relay onto
// (spec.md §4.4 "mprSetSocketDispatcher").
func (h *Handler) SetDispatcher(d *dispatcher.Dispatcher) {
	h.mu.Lock()
	h.dispatcher = d
	h.mu.Unlock()
}

// Enable (re)arms mask, spawning the watch goroutine if one isn't
// already running (spec.md §4.4 "mprEnableSocketEvents"). Each call is
// one-shot for Readable: once it fires, the caller must call Enable
// again to keep watching, matching the original's wait-handler model.
func (h *Handler) Enable(mask WaitMask) {
	h.mu.Lock()
	if h.removed || h.watching {
		h.mu.Unlock()
		return
	}
	h.watching = true
	stop := make(chan struct{})
	h.stop = stop
	h.mu.Unlock()

	if mask&Writable != 0 {
		h.fire()
		return
	}
	go h.watchReadable(stop)
}

func (h *Handler) watchReadable(stop chan struct{}) {
	_, err := h.reader.Peek(1)
	select {
	case <-stop:
		return
	default:
	}
	h.mu.Lock()
	h.watching = false
	h.mu.Unlock()
	if err != nil {
		h.socket.setEof()
	}
	h.fire()
}

func (h *Handler) fire() {
	h.mu.Lock()
	d, proc, data := h.dispatcher, h.proc, h.data
	h.watching = false
	h.mu.Unlock()
	if d == nil || proc == nil {
		return
	}
	dispatcher.RelayEvent(d, proc, data, nil)
}

// Remove detaches the handler so no further events relay
// (spec.md §4.4 "mprRemoveSocketHandler").
func (h *Handler) Remove() {
	h.mu.Lock()
	if h.removed {
		h.mu.Unlock()
		return
	}
	h.removed = true
	stop := h.stop
	h.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// Reader returns the buffered reader the handler peeks through, so the
// socket's own Read can share it instead of racing a second reader
// directly against the conn.
func (h *Handler) Reader() *bufio.Reader { return h.reader }
