package policy

import "testing"

func intp(v int) *int { return &v }

func TestDefaultDenyWithLastMatchWins(t *testing.T) {
	p := New()
	p.Default = List{
		{Kind: Send, Allow: false, MessageName: "foo.Bar"},
	}

	id := Identity{UID: 1000}
	if p.CanSend(id, "dest", "foo.Bar") {
		t.Errorf("expected deny for foo.Bar")
	}
	if p.CanSend(id, "dest", "foo.Baz") {
		t.Errorf("expected deny (no matching rule, implicit deny) for foo.Baz")
	}
}

// Scenario 4 of spec.md 8: a deny in the default list with no overriding
// allow results in the send being denied.
func TestPolicyDenyScenario(t *testing.T) {
	p := New()
	p.Default = List{
		{Kind: Send, Allow: true}, // baseline allow-all
		{Kind: Send, Allow: false, MessageName: "foo.Bar"},
	}

	id := Identity{UID: 42}
	if p.CanSend(id, "", "foo.Bar") {
		t.Errorf("expected deny for foo.Bar despite allow-all baseline")
	}
	if !p.CanSend(id, "", "foo.Other") {
		t.Errorf("expected allow for foo.Other")
	}
}

func TestMandatoryCannotBeOverridden(t *testing.T) {
	p := New()
	p.Mandatory = List{{Kind: Send, Allow: false, MessageName: "foo.Bar"}}
	p.PerUser[42] = List{{Kind: Send, Allow: true, MessageName: "foo.Bar"}}

	id := Identity{UID: 42}
	if p.CanSend(id, "", "foo.Bar") {
		t.Errorf("mandatory deny must not be overridden by per-user allow")
	}
}

func TestPerGroupAppliesToEveryMatchingGroup(t *testing.T) {
	p := New()
	p.PerGroup[10] = List{{Kind: Own, Allow: false, ServiceName: "org.example"}}
	p.PerGroup[20] = List{{Kind: Own, Allow: true, ServiceName: "org.example"}}

	id := Identity{UID: 1, GIDs: []int{10, 20}}
	// group 20's list is evaluated after group 10's (iteration order here is
	// deterministic because GIDs is caller-ordered), so the allow wins.
	if !p.CanOwn(id, "org.example") {
		t.Errorf("expected allow: later group list overrides earlier")
	}
}

func TestUserGroupRulesAreBusGlobal(t *testing.T) {
	p := New()
	p.Default = List{{Kind: Group, Allow: true, GID: intp(100)}}

	id := Identity{UID: 7, GIDs: []int{100}}
	if !p.CanSend(id, "", "anything") {
		t.Errorf("GROUP rule should apply to a SEND decision")
	}
	if !p.CanOwn(id, "org.example") {
		t.Errorf("GROUP rule should apply to an OWN decision")
	}
}

// Policy determinism (spec.md 8 invariant): repeated evaluation of the same
// rules and input yields the same verdict.
func TestDeterministic(t *testing.T) {
	p := New()
	p.Default = List{{Kind: Send, Allow: true}}
	p.Mandatory = List{{Kind: Send, Allow: false, MessageName: "foo.Bar"}}

	id := Identity{UID: 1}
	first := p.CanSend(id, "", "foo.Bar")
	for i := 0; i < 100; i++ {
		if got := p.CanSend(id, "", "foo.Bar"); got != first {
			t.Fatalf("non-deterministic verdict on iteration %d: got %v want %v", i, got, first)
		}
	}
}
