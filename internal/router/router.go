// Package router implements the dispatcher (C6): sender stamping, the
// org.freedesktop.DBus bus-service interface, recipient lookup, policy
// consultation, and match-rule broadcast, per spec.md 4.6.
package router

import (
	"sync"
	"time"

	"github.com/sandia-minimega/busd/internal/bus"
	"github.com/sandia-minimega/busd/internal/busd"
	"github.com/sandia-minimega/busd/internal/buslog"
	"github.com/sandia-minimega/busd/internal/busmetrics"
	"github.com/sandia-minimega/busd/internal/message"
	"github.com/sandia-minimega/busd/internal/policy"
	"github.com/sandia-minimega/busd/internal/registry"
	"github.com/sandia-minimega/busd/internal/wire"
)

// BusServiceName is the special destination the router itself answers to
// (spec.md 4.6).
const BusServiceName = "org.freedesktop.DBus"

const (
	methodHello         = "org.freedesktop.DBus.Hello"
	methodRequestName   = "org.freedesktop.DBus.RequestName"
	methodReleaseName   = "org.freedesktop.DBus.ReleaseName"
	methodListNames     = "org.freedesktop.DBus.ListNames"
	methodGetNameOwner  = "org.freedesktop.DBus.GetNameOwner"
	methodNameHasOwner  = "org.freedesktop.DBus.NameHasOwner"
	methodAddMatch      = "org.freedesktop.DBus.AddMatch"
	methodRemoveMatch   = "org.freedesktop.DBus.RemoveMatch"
	signalNameOwnerChg  = "org.freedesktop.DBus.NameOwnerChanged"
	signalNameLost      = "org.freedesktop.DBus.NameLost"
	signalNameAcquired  = "org.freedesktop.DBus.NameAcquired"
	errAccessDenied     = "org.freedesktop.DBus.Error.AccessDenied"
	errNameHasNoOwner   = "org.freedesktop.DBus.Error.NameHasNoOwner"
	errUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	errInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
)

// MatchRule is a subscriber's AddMatch filter (spec.md 4.6). Empty fields
// match anything.
type MatchRule struct {
	Sender      string
	Destination string
	MessageName string
}

func (r MatchRule) matches(senderUnique, destName, msgName string) bool {
	if r.Sender != "" && r.Sender != senderUnique {
		return false
	}
	if r.Destination != "" && r.Destination != destName {
		return false
	}
	if r.MessageName != "" && r.MessageName != msgName {
		return false
	}
	return true
}

// Router is the bus daemon's central dispatcher, holding the name registry
// and policy engine it consults on every routed message.
type Router struct {
	reg *registry.Registry
	pol *policy.Policy

	mu      sync.Mutex
	conns   map[string]*bus.Conn
	matches map[string][]MatchRule

	metrics *busmetrics.Metrics // nil unless SetMetrics is called
}

// SetMetrics attaches a busmetrics.Metrics bundle the router updates as
// connections come and go and as policy denies decisions (spec.md 4.11's
// ambient metrics wiring). Optional -- a Router with no metrics attached
// behaves identically, just without the bookkeeping.
func (rt *Router) SetMetrics(m *busmetrics.Metrics) {
	rt.mu.Lock()
	rt.metrics = m
	rt.mu.Unlock()
}

// New creates a Router for a fresh daemon generation (spec.md 4.5 resets the
// unique-name generation counter on daemon start).
func New(pol *policy.Policy, generation uint64) *Router {
	return &Router{
		reg:     registry.New(generation),
		pol:     pol,
		conns:   make(map[string]*bus.Conn),
		matches: make(map[string][]MatchRule),
	}
}

// Names returns every currently registered unique and well-known name,
// exposed for cmd/busd's debug HTTP surface.
func (rt *Router) Names() []string {
	return rt.reg.ListNames()
}

// ConnectionCount returns the number of connections currently tracked by the
// router, exposed for cmd/busd's debug HTTP surface.
func (rt *Router) ConnectionCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.conns)
}

// ConnInfo summarizes one tracked connection for cmd/busd's debug HTTP
// surface -- never exposed over the bus itself.
type ConnInfo struct {
	UniqueName string
	UID        int
	HeldNames  []string
}

// ConnSnapshot returns a point-in-time summary of every tracked connection.
func (rt *Router) ConnSnapshot() []ConnInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	out := make([]ConnInfo, 0, len(rt.conns))
	for _, c := range rt.conns {
		out = append(out, ConnInfo{
			UniqueName: c.UniqueName(),
			UID:        c.Identity().UID,
			HeldNames:  c.HeldNames(),
		})
	}
	return out
}

// Hello registers c with the name registry and returns its freshly assigned
// unique name, the first call any client must make (spec.md 4.6).
func (rt *Router) Hello(c *bus.Conn) string {
	name := rt.reg.RegisterUniqueName(c)
	c.SetUniqueName(name)

	rt.mu.Lock()
	rt.conns[name] = c
	m := rt.metrics
	rt.mu.Unlock()

	if m != nil {
		m.Connections.Inc()
		m.ConnectionsTotal.Inc()
	}

	buslog.Debug("router: %s said Hello", name)
	return name
}

// Disconnect releases every name c held or was queued for and removes it
// from the connection table, broadcasting the resulting NameOwnerChanged
// signals and sending NameAcquired to each connection promoted from a queue
// (spec.md 4.5 "Disconnect cleanup").
func (rt *Router) Disconnect(c *bus.Conn) {
	events, notices := rt.reg.Disconnect(c)

	rt.mu.Lock()
	delete(rt.conns, c.UniqueName())
	delete(rt.matches, c.UniqueName())
	m := rt.metrics
	rt.mu.Unlock()

	if m != nil {
		m.Connections.Dec()
	}

	rt.broadcastOwnerChanges(events)
	rt.deliverNotices(notices)
}

// Route is the dispatcher's main entry point: it stamps the sender, then
// either answers the bus-service interface, delivers to a named
// destination, or broadcasts a signal to matching subscribers (spec.md 4.6).
func (rt *Router) Route(sender *bus.Conn, m *message.Message) error {
	start := time.Now()
	defer rt.observeDispatchLatency(start)

	if err := m.SetSender(sender.UniqueName()); err != nil {
		return err
	}

	dest, hasDest := m.Destination()
	msgName, _ := m.Name()

	if hasDest && dest == BusServiceName {
		return rt.dispatchBusService(sender, m, msgName)
	}

	if hasDest {
		return rt.routeToDestination(sender, m, dest, msgName)
	}

	rt.broadcastSignal(sender, m, msgName)
	return nil
}

func (rt *Router) observeDispatchLatency(start time.Time) {
	rt.mu.Lock()
	m := rt.metrics
	rt.mu.Unlock()
	if m != nil {
		m.DispatchLatency.Observe(time.Since(start).Seconds())
	}
}

// SampleOutboundQueueDepth recomputes the outbound-queue-depth gauge as the
// sum across every connected peer, a point-in-time sample taken when
// cmd/busd's /debugz/names endpoint is served (spec.md 4.11 ambient metrics
// wiring).
func (rt *Router) SampleOutboundQueueDepth() {
	rt.mu.Lock()
	m := rt.metrics
	conns := make([]*bus.Conn, 0, len(rt.conns))
	for _, c := range rt.conns {
		conns = append(conns, c)
	}
	rt.mu.Unlock()
	if m == nil {
		return
	}
	total := 0
	for _, c := range conns {
		total += c.OutboundLen()
	}
	m.OutboundQueue.Set(float64(total))
}

// setNamesOwnedGauge recomputes the well-known-name count (excluding the
// unique ":G.S" names every connection gets for free) after an ownership
// change.
func (rt *Router) setNamesOwnedGauge() {
	rt.mu.Lock()
	m := rt.metrics
	rt.mu.Unlock()
	if m == nil {
		return
	}
	count := 0
	for _, name := range rt.reg.ListNames() {
		if len(name) == 0 || name[0] != ':' {
			count++
		}
	}
	m.NamesOwned.Set(float64(count))
}

func (rt *Router) countPolicyDeny(kind string) {
	rt.mu.Lock()
	m := rt.metrics
	rt.mu.Unlock()
	if m != nil {
		m.PolicyDenies.WithLabelValues(kind).Inc()
	}
}

func (rt *Router) routeToDestination(sender *bus.Conn, m *message.Message, dest, msgName string) error {
	senderID := sender.Identity()

	if !rt.pol.CanSend(senderID, dest, msgName) {
		rt.countPolicyDeny("send")
		return rt.sendError(sender, m, errAccessDenied, "send denied by policy")
	}

	owner, ok := rt.reg.Owner(dest)
	if !ok {
		return rt.sendError(sender, m, errNameHasNoOwner, "name has no owner: "+dest)
	}
	ownerConn, ok := owner.(*bus.Conn)
	if !ok {
		return busd.New(busd.InvalidArgs, "registry owner is not a *bus.Conn")
	}

	if !rt.pol.CanReceive(ownerConn.Identity(), sender.UniqueName(), msgName) {
		rt.countPolicyDeny("receive")
		return rt.sendError(sender, m, errAccessDenied, "receive denied by policy")
	}

	return ownerConn.Send(m)
}

// sender is the minimal view broadcastSignal needs: satisfied by *bus.Conn
// and by the router's own internal busServiceConn stand-in for signals the
// bus service itself emits (NameOwnerChanged, NameLost, NameAcquired).
type sender interface {
	UniqueName() string
	Identity() bus.Identity
}

func (rt *Router) broadcastSignal(sndr sender, m *message.Message, msgName string) {
	senderUnique := sndr.UniqueName()
	senderID := sndr.Identity()

	// busServiceConn's empty Identity{} is not a real client's uid 0; a
	// per-user/per-group send rule keyed on uid 0 must never apply to
	// signals the bus service itself emits (NameOwnerChanged et al), so
	// those broadcasts skip the send-side check entirely and are gated only
	// by each recipient's receive policy.
	_, fromBusService := sndr.(busServiceConn)

	rt.mu.Lock()
	type target struct {
		conn  *bus.Conn
		rules []MatchRule
	}
	var targets []target
	for unique, rules := range rt.matches {
		if c, ok := rt.conns[unique]; ok {
			targets = append(targets, target{conn: c, rules: rules})
		}
	}
	rt.mu.Unlock()

	for _, t := range targets {
		matched := false
		for _, r := range t.rules {
			if r.matches(senderUnique, "", msgName) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if !fromBusService && !rt.pol.CanSend(senderID, "", msgName) {
			continue
		}
		if !rt.pol.CanReceive(t.conn.Identity(), senderUnique, msgName) {
			continue
		}
		t.conn.Send(m)
	}
}

func (rt *Router) sendError(sender *bus.Conn, orig *message.Message, errName, text string) error {
	reply := message.NewErrorReply(orig, errName, text)
	return sender.Send(reply)
}

// dispatchBusService answers the org.freedesktop.DBus well-known interface
// (spec.md 4.6).
func (rt *Router) dispatchBusService(c *bus.Conn, m *message.Message, method string) error {
	switch method {
	case methodHello:
		if err := rt.replyWithString(c, m, c.UniqueName()); err != nil {
			return err
		}
		// every client sees its own freshly assigned unique name come back
		// as a NameAcquired signal too, same as any other name it owns
		// (spec.md 8 Scenario 1).
		sig := message.New(signalNameAcquired, c.UniqueName())
		sig.AppendArgs(wire.String(c.UniqueName()))
		return c.Send(sig)

	case methodRequestName:
		name, flags, err := requestNameArgs(m)
		if err != nil {
			return rt.sendError(c, m, errInvalidArgs, err.Error())
		}
		if !rt.pol.CanOwn(c.Identity(), name) {
			rt.countPolicyDeny("own")
			return rt.sendError(c, m, errAccessDenied, "own denied by policy: "+name)
		}
		res, events, notices := rt.reg.RequestName(c, name, flags)
		rt.broadcastOwnerChanges(events)
		rt.deliverNotices(notices)
		rt.setNamesOwnedGauge()
		return rt.replyWithUint32(c, m, uint32(res))

	case methodReleaseName:
		name, ok := stringArg(m, 0)
		if !ok {
			return rt.sendError(c, m, errInvalidArgs, "ReleaseName requires a string argument")
		}
		res, events, notices := rt.reg.ReleaseName(c, name)
		rt.broadcastOwnerChanges(events)
		rt.deliverNotices(notices)
		rt.setNamesOwnedGauge()
		return rt.replyWithUint32(c, m, uint32(res))

	case methodListNames:
		return rt.replyWithStringArray(c, m, rt.reg.ListNames())

	case methodGetNameOwner:
		name, ok := stringArg(m, 0)
		if !ok {
			return rt.sendError(c, m, errInvalidArgs, "GetNameOwner requires a string argument")
		}
		owner, ok := rt.reg.Owner(name)
		if !ok {
			return rt.sendError(c, m, errNameHasNoOwner, "name has no owner: "+name)
		}
		return rt.replyWithString(c, m, owner.UniqueName())

	case methodNameHasOwner:
		name, ok := stringArg(m, 0)
		if !ok {
			return rt.sendError(c, m, errInvalidArgs, "NameHasOwner requires a string argument")
		}
		return rt.replyWithBool(c, m, rt.reg.HasOwner(name))

	case methodAddMatch:
		rule, ok := stringArg(m, 0)
		if !ok {
			return rt.sendError(c, m, errInvalidArgs, "AddMatch requires a match rule string")
		}
		rt.addMatch(c.UniqueName(), parseMatchRule(rule))
		return rt.replyEmpty(c, m)

	case methodRemoveMatch:
		rule, ok := stringArg(m, 0)
		if !ok {
			return rt.sendError(c, m, errInvalidArgs, "RemoveMatch requires a match rule string")
		}
		rt.removeMatch(c.UniqueName(), parseMatchRule(rule))
		return rt.replyEmpty(c, m)

	default:
		return rt.sendError(c, m, errUnknownMethod, "no such bus method: "+method)
	}
}

func (rt *Router) addMatch(unique string, rule MatchRule) {
	rt.mu.Lock()
	rt.matches[unique] = append(rt.matches[unique], rule)
	rt.mu.Unlock()
}

func (rt *Router) removeMatch(unique string, rule MatchRule) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rules := rt.matches[unique]
	for i, r := range rules {
		if r == rule {
			rt.matches[unique] = append(rules[:i], rules[i+1:]...)
			return
		}
	}
}

func (rt *Router) broadcastOwnerChanges(events []registry.OwnerChanged) {
	for _, ev := range events {
		sig := message.New(signalNameOwnerChg, "")
		sig.AppendArgs(wire.String(ev.Name), wire.String(ev.Old), wire.String(ev.New))
		rt.broadcastSignal(busServiceConn{rt}, sig, signalNameOwnerChg)
	}
}

func (rt *Router) deliverNotices(notices []registry.Notice) {
	for _, n := range notices {
		conn, ok := n.Conn.(*bus.Conn)
		if !ok {
			continue
		}
		name := signalNameAcquired
		if n.Lost {
			name = signalNameLost
		}
		sig := message.New(name, conn.UniqueName())
		sig.AppendArgs(wire.String(n.Name))
		conn.Send(sig)
	}
}

// busServiceConn is a minimal bus.Conn stand-in so internally generated
// broadcasts (NameOwnerChanged) can reuse broadcastSignal's policy checks
// as coming from the bus service itself, which always passes CanSend.
type busServiceConn struct{ rt *Router }

func (busServiceConn) UniqueName() string { return BusServiceName }
func (busServiceConn) Identity() bus.Identity { return bus.Identity{} }

func (rt *Router) replyWithString(c *bus.Conn, orig *message.Message, s string) error {
	reply := message.NewReply(orig)
	if err := reply.AppendArgs(wire.String(s)); err != nil {
		return err
	}
	return c.Send(reply)
}

func (rt *Router) replyWithStringArray(c *bus.Conn, orig *message.Message, names []string) error {
	values := make([]wire.Value, len(names))
	for i, n := range names {
		values[i] = wire.String(n)
	}
	reply := message.NewReply(orig)
	if err := reply.AppendArgs(wire.ArrayValue(wire.Array{Elem: wire.KindString, Values: values})); err != nil {
		return err
	}
	return c.Send(reply)
}

func (rt *Router) replyWithUint32(c *bus.Conn, orig *message.Message, v uint32) error {
	reply := message.NewReply(orig)
	if err := reply.AppendArgs(wire.Uint32(v)); err != nil {
		return err
	}
	return c.Send(reply)
}

func (rt *Router) replyWithBool(c *bus.Conn, orig *message.Message, v bool) error {
	reply := message.NewReply(orig)
	if err := reply.AppendArgs(wire.Bool(v)); err != nil {
		return err
	}
	return c.Send(reply)
}

func (rt *Router) replyEmpty(c *bus.Conn, orig *message.Message) error {
	return c.Send(message.NewReply(orig))
}

func stringArg(m *message.Message, i int) (string, bool) {
	if i >= len(m.Body) || m.Body[i].Kind != wire.KindString {
		return "", false
	}
	return m.Body[i].Str, true
}

func requestNameArgs(m *message.Message) (string, registry.Flags, error) {
	name, ok := stringArg(m, 0)
	if !ok {
		return "", 0, busd.New(busd.InvalidArgs, "RequestName requires (name, flags)")
	}
	if len(m.Body) < 2 || m.Body[1].Kind != wire.KindUint32 {
		return "", 0, busd.New(busd.InvalidArgs, "RequestName requires a uint32 flags argument")
	}
	return name, registry.Flags(m.Body[1].U32), nil
}

// parseMatchRule parses the comma-separated key='value' syntax AddMatch
// takes on the wire (spec.md 4.6), e.g. sender='org.example.Foo',member='Bar'.
func parseMatchRule(s string) MatchRule {
	var rule MatchRule
	for _, part := range splitTopLevel(s, ',') {
		key, val, ok := splitKeyValue(part)
		if !ok {
			continue
		}
		switch key {
		case "sender":
			rule.Sender = val
		case "destination":
			rule.Destination = val
		case "member", "name":
			rule.MessageName = val
		}
	}
	return rule
}

func splitTopLevel(s string, sep byte) []string {
	var parts []string
	start := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func splitKeyValue(s string) (key, val string, ok bool) {
	eq := -1
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			eq = i
			break
		}
	}
	if eq < 0 {
		return "", "", false
	}
	key = s[:eq]
	val = s[eq+1:]
	if len(val) >= 2 && val[0] == '\'' && val[len(val)-1] == '\'' {
		val = val[1 : len(val)-1]
	}
	return key, val, true
}
