// Package bus implements the per-connection state object (C4): outbound and
// inbound queues, pending-reply tracking, watch/timeout registration, and
// the filter/handler dispatch chain, per spec.md 4.4.
//
// The locking layout is deliberately split by concern -- a queue lock, a
// pending-reply lock, a filter/handler lock -- rather than one coarse
// connection mutex, the same separation minimega's ron.Server uses for its
// conns/listeners/clients maps.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/sandia-minimega/busd/internal/busd"
	"github.com/sandia-minimega/busd/internal/buslog"
	"github.com/sandia-minimega/busd/internal/message"
)

// Identity is the unix credentials a connection authenticated as (spec.md
// 4.3's handshake result).
type Identity struct {
	UID  int
	GIDs []int
}

// Filter is invoked for every incoming message before any named handler;
// returning true consumes the message (spec.md 4.4 "AddFilter").
type Filter func(*Conn, *message.Message) bool

// Handler is invoked for incoming messages matching a registered name, after
// the filter chain declines to consume the message.
type Handler func(*Conn, *message.Message)

// pendingReply tracks one outstanding SendWithReply call, keyed by the
// request's serial (spec.md 4.4).
type pendingReply struct {
	ch     chan *message.Message
	cancel chan struct{}
}

// Conn is one peer's connection state (spec.md 3 "Conn").
type Conn struct {
	uniqueName string
	identity   Identity

	refCount int32

	queueLock sync.Mutex
	outbound  []*message.Message
	inbound   []*message.Message

	// wake signals a writer goroutine blocked waiting for outbound work,
	// the same role a buffered notify channel plays in ron's per-client
	// writer loop. Buffered so Send never blocks on a slow writer.
	wake chan struct{}

	pendingLock sync.Mutex
	pending     map[uint32]*pendingReply

	dispatchLock sync.Mutex
	filters      []Filter
	handlers     map[string][]Handler

	heldLock sync.Mutex
	held     map[string]bool

	disconnected int32

	watchLock     sync.Mutex
	addWatch      func(fd int, flags int) interface{}
	removeWatch   func(interface{})
	toggleWatch   func(interface{}, int)
	addTimeout    func(intervalMS int) interface{}
	removeTimeout func(interface{})

	serial uint32
}

// New creates a Conn for a freshly accepted peer, before authentication has
// assigned it a unique name.
func New() *Conn {
	return &Conn{
		pending:  make(map[uint32]*pendingReply),
		handlers: make(map[string][]Handler),
		held:     make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
}

// Wake returns the channel a writer goroutine selects on to learn new
// outbound messages are available; PopMessage/Flush still need to be called
// to actually drain them. Reads a buffered signal, never blocks Send.
func (c *Conn) Wake() <-chan struct{} { return c.wake }

func (c *Conn) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// UniqueName satisfies registry.Conn. Empty until SetUniqueName is called
// post-authentication.
func (c *Conn) UniqueName() string { return c.uniqueName }

// SetUniqueName stamps the name the registry allocated for this connection
// (spec.md 4.3 "BEGIN" transition into AUTHENTICATED).
func (c *Conn) SetUniqueName(name string) { c.uniqueName = name }

func (c *Conn) Identity() Identity { return c.identity }

func (c *Conn) SetIdentity(id Identity) { c.identity = id }

// Ref/Unref implement the connection's reference count (spec.md 4.4).
func (c *Conn) Ref() int32  { return atomic.AddInt32(&c.refCount, 1) }
func (c *Conn) Unref() int32 { return atomic.AddInt32(&c.refCount, -1) }

// Disconnected reports whether MarkDisconnected has been called.
func (c *Conn) Disconnected() bool { return atomic.LoadInt32(&c.disconnected) != 0 }

// MarkDisconnected flags the connection as gone and cancels every pending
// reply by closing its reply channel without a value; no Cancelled error
// message is delivered to the waiting caller.
func (c *Conn) MarkDisconnected() {
	atomic.StoreInt32(&c.disconnected, 1)

	c.pendingLock.Lock()
	pending := c.pending
	c.pending = make(map[uint32]*pendingReply)
	c.pendingLock.Unlock()

	for serial, p := range pending {
		close(p.cancel)
		close(p.ch)
		buslog.Debug("conn %s: cancelling pending reply for serial %d on disconnect", c.uniqueName, serial)
	}
}

// NextSerial returns the next outbound serial for this connection, a
// monotonic per-connection counter (spec.md 4.2/4.4), grounded on ron's
// commandCounter pattern.
func (c *Conn) NextSerial() uint32 {
	return atomic.AddUint32(&c.serial, 1)
}

// Send enqueues m for delivery without waiting for a reply (spec.md 4.4
// "send"). A message with no serial yet is given this connection's
// NextSerial; a message that already carries one keeps it.
func (c *Conn) Send(m *message.Message) error {
	if c.Disconnected() {
		return busd.New(busd.Disconnected, "connection is closed")
	}
	if m.Serial == 0 {
		m.Serial = c.NextSerial()
	}
	c.queueLock.Lock()
	c.outbound = append(c.outbound, m)
	c.queueLock.Unlock()
	c.signalWake()
	return nil
}

// SendWithReply enqueues m and returns a channel that receives the matching
// reply (matched by rply == m.Serial), or is closed without a value if the
// connection disconnects first (spec.md 4.4 "send_with_reply").
func (c *Conn) SendWithReply(m *message.Message) (<-chan *message.Message, error) {
	if m.Serial == 0 {
		return nil, busd.New(busd.InvalidArgs, "message must have a serial assigned before send_with_reply")
	}
	if c.Disconnected() {
		return nil, busd.New(busd.Disconnected, "connection is closed")
	}

	p := &pendingReply{ch: make(chan *message.Message, 1), cancel: make(chan struct{})}
	c.pendingLock.Lock()
	c.pending[m.Serial] = p
	c.pendingLock.Unlock()

	if err := c.Send(m); err != nil {
		c.pendingLock.Lock()
		delete(c.pending, m.Serial)
		c.pendingLock.Unlock()
		return nil, err
	}
	return p.ch, nil
}

// CancelPending cancels an outstanding SendWithReply call by serial, closing
// its reply channel without a value (spec.md 4.4 "cancel_pending_call").
func (c *Conn) CancelPending(serial uint32) {
	c.pendingLock.Lock()
	p, ok := c.pending[serial]
	if ok {
		delete(c.pending, serial)
	}
	c.pendingLock.Unlock()
	if ok {
		close(p.cancel)
		close(p.ch)
	}
}

// resolveReply delivers an incoming reply message to its waiting
// SendWithReply caller, returning true if one was waiting.
func (c *Conn) resolveReply(m *message.Message) bool {
	serial, ok := m.ReplySerial()
	if !ok {
		return false
	}
	c.pendingLock.Lock()
	p, ok := c.pending[serial]
	if ok {
		delete(c.pending, serial)
	}
	c.pendingLock.Unlock()
	if !ok {
		return false
	}
	select {
	case p.ch <- m:
	default:
	}
	close(p.ch)
	return true
}

// PopMessage removes and returns the oldest queued outbound message, the
// transport's drain entry point (spec.md 4.4 "pop_message").
func (c *Conn) PopMessage() (*message.Message, bool) {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()
	if len(c.outbound) == 0 {
		return nil, false
	}
	m := c.outbound[0]
	c.outbound = c.outbound[1:]
	return m, true
}

// OutboundLen reports the current outbound queue depth, used for the
// per-connection byte/message caps (spec.md 5) and metrics.
func (c *Conn) OutboundLen() int {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()
	return len(c.outbound)
}

// PushInbound enqueues a fully decoded message for dispatch (fed by the
// transport layer).
func (c *Conn) PushInbound(m *message.Message) {
	c.queueLock.Lock()
	c.inbound = append(c.inbound, m)
	c.queueLock.Unlock()
}

// AddFilter registers f to run against every dispatched message ahead of any
// named handler (spec.md 4.4 "add_filter").
func (c *Conn) AddFilter(f Filter) {
	c.dispatchLock.Lock()
	c.filters = append(c.filters, f)
	c.dispatchLock.Unlock()
}

// AddHandler registers f to run for messages whose "name" header matches
// name, after the filter chain (spec.md 4.4 "add_handler").
func (c *Conn) AddHandler(name string, f Handler) {
	c.dispatchLock.Lock()
	c.handlers[name] = append(c.handlers[name], f)
	c.dispatchLock.Unlock()
}

// Dispatch pops one inbound message and runs it through the reply resolver,
// then the filter chain, then any matching named handlers (spec.md 4.4
// "dispatch"/"_do_iteration").
func (c *Conn) Dispatch() bool {
	c.queueLock.Lock()
	if len(c.inbound) == 0 {
		c.queueLock.Unlock()
		return false
	}
	m := c.inbound[0]
	c.inbound = c.inbound[1:]
	c.queueLock.Unlock()

	if c.resolveReply(m) {
		return true
	}

	c.dispatchLock.Lock()
	filters := append([]Filter(nil), c.filters...)
	var handlers []Handler
	if name, ok := m.Name(); ok {
		handlers = append([]Handler(nil), c.handlers[name]...)
	}
	c.dispatchLock.Unlock()

	for _, f := range filters {
		if f(c, m) {
			return true
		}
	}
	for _, h := range handlers {
		h(c, m)
	}
	return true
}

// Flush blocks (by iterating PopMessage) until the outbound queue is empty;
// callers combine this with their own transport write loop (spec.md 4.4
// "flush").
func (c *Conn) Flush(write func(*message.Message) error) error {
	for {
		m, ok := c.PopMessage()
		if !ok {
			return nil
		}
		if err := write(m); err != nil {
			return err
		}
	}
}

// SetWatchFunctions installs the host main-loop's watch callbacks (spec.md
// 4.9 / C9's add_watch/remove_watch/toggle_watch).
func (c *Conn) SetWatchFunctions(add func(fd int, flags int) interface{}, remove func(interface{}), toggle func(interface{}, int)) {
	c.watchLock.Lock()
	defer c.watchLock.Unlock()
	c.addWatch, c.removeWatch, c.toggleWatch = add, remove, toggle
}

// SetTimeoutFunctions installs the host main-loop's timeout callbacks
// (spec.md 4.9).
func (c *Conn) SetTimeoutFunctions(add func(intervalMS int) interface{}, remove func(interface{})) {
	c.watchLock.Lock()
	defer c.watchLock.Unlock()
	c.addTimeout, c.removeTimeout = add, remove
}

// MarkNameHeld/UnmarkNameHeld maintain the per-connection set of held names
// that HeldNames reports. The registry keeps its own held-name index for
// disconnect cleanup and does not update this set.
func (c *Conn) MarkNameHeld(name string) {
	c.heldLock.Lock()
	c.held[name] = true
	c.heldLock.Unlock()
}

func (c *Conn) UnmarkNameHeld(name string) {
	c.heldLock.Lock()
	delete(c.held, name)
	c.heldLock.Unlock()
}

func (c *Conn) HeldNames() []string {
	c.heldLock.Lock()
	defer c.heldLock.Unlock()
	names := make([]string, 0, len(c.held))
	for n := range c.held {
		names = append(names, n)
	}
	return names
}
