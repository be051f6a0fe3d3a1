// Package policy implements the policy engine (C7): layered allow/deny rule
// lists evaluated per send/receive/own decision, per spec.md 4.7.
package policy

// RuleKind distinguishes the five rule types spec.md 3/4.7 defines.
type RuleKind int

const (
	Send RuleKind = iota
	Receive
	Own
	User
	Group
)

func (k RuleKind) String() string {
	switch k {
	case Send:
		return "send"
	case Receive:
		return "receive"
	case Own:
		return "own"
	case User:
		return "user"
	case Group:
		return "group"
	default:
		return "unknown"
	}
}

// Rule is one allow/deny entry. A zero-value field for any constraint means
// "match any" (spec.md 4.7 "Wildcards").
type Rule struct {
	Kind  RuleKind
	Allow bool

	// SEND/RECEIVE constraints.
	MessageName string // matches the message's "name" header field
	Destination string // SEND only: who the message is addressed to
	Source      string // RECEIVE only: who the message came from

	// OWN constraint.
	ServiceName string // well-known name being requested

	// USER/GROUP selectors -- nil means the rule doesn't constrain on
	// identity (which would be unusual for these two kinds, but the zero
	// value must still mean "unset" rather than "matches uid 0").
	UID *int
	GID *int
}

// List is an ordered sequence of rules evaluated with last-match-wins
// semantics (spec.md 4.7).
type List []Rule

// Policy holds the four rule lists: default, mandatory, per-user (by uid),
// per-group (by gid) -- spec.md 3/4.7.
type Policy struct {
	Default  List
	Mandatory List
	PerUser  map[int]List
	PerGroup map[int]List
}

func New() *Policy {
	return &Policy{
		PerUser:  make(map[int]List),
		PerGroup: make(map[int]List),
	}
}

// Identity is the uid/gid set a decision is evaluated against.
type Identity struct {
	UID  int
	GIDs []int
}

func matchesStr(constraint, value string) bool {
	return constraint == "" || constraint == value
}

// applies reports whether rule is relevant to a decision of the given kind
// for the given identity -- USER/GROUP rules apply to every decision kind as
// long as the identity matches (spec.md 4.7: "bus-global semantics").
func (r Rule) applies(kind RuleKind, id Identity) bool {
	switch r.Kind {
	case User:
		return r.UID != nil && *r.UID == id.UID
	case Group:
		if r.GID == nil {
			return false
		}
		for _, g := range id.GIDs {
			if g == *r.GID {
				return true
			}
		}
		return false
	default:
		return r.Kind == kind
	}
}

// evaluate runs list against a decision, returning the possibly-updated
// verdict and whether any rule in the list matched at all.
func evaluate(list List, kind RuleKind, id Identity, match func(Rule) bool, verdict bool) (bool, bool) {
	matched := false
	for _, r := range list {
		if !r.applies(kind, id) {
			continue
		}
		if !match(r) {
			continue
		}
		verdict = r.Allow
		matched = true
	}
	return verdict, matched
}

// decide implements spec.md 4.7's evaluation order: default -> mandatory ->
// every per-group list -> per-user list, with mandatory's matched verdict
// immune to being overridden by group/user rules.
func (p *Policy) decide(kind RuleKind, id Identity, match func(Rule) bool) bool {
	verdict := false // implicit deny

	verdict, _ = evaluate(p.Default, kind, id, match, verdict)

	verdict, mandatoryMatched := evaluate(p.Mandatory, kind, id, match, verdict)
	mandatoryVerdict := verdict

	for _, gid := range id.GIDs {
		if list, ok := p.PerGroup[gid]; ok {
			verdict, _ = evaluate(list, kind, id, match, verdict)
		}
	}

	if list, ok := p.PerUser[id.UID]; ok {
		verdict, _ = evaluate(list, kind, id, match, verdict)
	}

	if mandatoryMatched {
		return mandatoryVerdict
	}
	return verdict
}

// CanSend implements can_send(src, dst, msg_name) from spec.md 4.7.
func (p *Policy) CanSend(src Identity, destName, msgName string) bool {
	return p.decide(Send, src, func(r Rule) bool {
		return matchesStr(r.MessageName, msgName) && matchesStr(r.Destination, destName)
	})
}

// CanReceive implements can_receive(src, dst, msg_name). The identity
// evaluated is the *receiving* connection's, since the decision is "may dst
// receive this" (spec.md 4.6 step 4 calls both can_send and can_receive per
// recipient).
func (p *Policy) CanReceive(dst Identity, srcName, msgName string) bool {
	return p.decide(Receive, dst, func(r Rule) bool {
		return matchesStr(r.MessageName, msgName) && matchesStr(r.Source, srcName)
	})
}

// CanOwn implements can_own(conn, name).
func (p *Policy) CanOwn(id Identity, name string) bool {
	return p.decide(Own, id, func(r Rule) bool {
		return matchesStr(r.ServiceName, name)
	})
}
