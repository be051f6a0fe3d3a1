package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sandia-minimega/busd/internal/busd"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

var resolver = MapResolver{
	Users:  map[string]int{"alice": 1000},
	Groups: map[string]int{"wheel": 10},
}

func TestParseMinimalConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "root.conf", `
<busconfig>
  <type>system</type>
  <listen>unix:path=/tmp/busd.sock</listen>
</busconfig>`)

	cfg, err := Parse(path, resolver)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Type != "system" {
		t.Errorf("got type %q", cfg.Type)
	}
	if len(cfg.Listen) != 1 || cfg.Listen[0] != "unix:path=/tmp/busd.sock" {
		t.Errorf("got listen %v", cfg.Listen)
	}
}

func TestParseMissingListenIsError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "root.conf", `<busconfig><type>system</type></busconfig>`)

	_, err := Parse(path, resolver)
	if busd.KindOf(err) != busd.ParseError {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

// Scenario 5 of spec.md 8: include merge concatenates listen/auth/servicedir
// lists and ORs fork, preserving order (root's entries first).
func TestIncludeMergeScenario(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "child.conf", `
<busconfig>
  <listen>unix:path=/tmp/x</listen>
  <fork/>
</busconfig>`)
	root := writeFile(t, dir, "root.conf", `
<busconfig>
  <listen>tcp:host=localhost,port=1234</listen>
  <include>child.conf</include>
</busconfig>`)

	cfg, err := Parse(root, resolver)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"tcp:host=localhost,port=1234", "unix:path=/tmp/x"}
	if len(cfg.Listen) != 2 || cfg.Listen[0] != want[0] || cfg.Listen[1] != want[1] {
		t.Errorf("got listen %v want %v", cfg.Listen, want)
	}
	if !cfg.Fork {
		t.Errorf("expected fork=true after merge")
	}
}

func TestIncludeIgnoreMissing(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "root.conf", `
<busconfig>
  <listen>unix:path=/tmp/x</listen>
  <include ignore_missing="yes">nope.conf</include>
</busconfig>`)

	if _, err := Parse(root, resolver); err != nil {
		t.Fatalf("expected missing include with ignore_missing=yes to be tolerated, got %v", err)
	}
}

func TestIncludeMissingWithoutIgnoreIsError(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "root.conf", `
<busconfig>
  <listen>unix:path=/tmp/x</listen>
  <include>nope.conf</include>
</busconfig>`)

	_, err := Parse(root, resolver)
	if busd.KindOf(err) != busd.FileNotFound {
		t.Fatalf("expected FileNotFound, got %v", err)
	}
}

func TestCircularIncludeDetected(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.conf")
	b := filepath.Join(dir, "b.conf")
	os.WriteFile(a, []byte(`<busconfig><listen>x</listen><include>b.conf</include></busconfig>`), 0644)
	os.WriteFile(b, []byte(`<busconfig><include>a.conf</include></busconfig>`), 0644)

	_, err := Parse(a, resolver)
	if busd.KindOf(err) != busd.ParseError {
		t.Fatalf("expected ParseError for circular include, got %v", err)
	}
}

func TestIncludeDirLoadsConfFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "conf.d")
	os.Mkdir(sub, 0755)
	writeFile(t, sub, "10-a.conf", `<busconfig><listen>unix:path=/a</listen></busconfig>`)
	writeFile(t, sub, "20-b.conf", `<busconfig><listen>unix:path=/b</listen></busconfig>`)

	root := writeFile(t, dir, "root.conf", `
<busconfig>
  <listen>unix:path=/root</listen>
  <includedir>conf.d</includedir>
</busconfig>`)

	cfg, err := Parse(root, resolver)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"unix:path=/root", "unix:path=/a", "unix:path=/b"}
	if len(cfg.Listen) != 3 {
		t.Fatalf("got %v", cfg.Listen)
	}
	for i, w := range want {
		if cfg.Listen[i] != w {
			t.Errorf("listen[%d]: got %q want %q", i, cfg.Listen[i], w)
		}
	}
}

func TestIncludeDirMissingIsTolerated(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "root.conf", `
<busconfig>
  <listen>unix:path=/root</listen>
  <includedir>nope.d</includedir>
</busconfig>`)

	if _, err := Parse(root, resolver); err != nil {
		t.Fatalf("missing includedir should be tolerated, got %v", err)
	}
}

func TestPolicyDefaultContextRules(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "root.conf", `
<busconfig>
  <listen>unix:path=/x</listen>
  <policy context="default">
    <deny send="foo.Bar"/>
    <allow own="org.example.Svc"/>
  </policy>
</busconfig>`)

	cfg, err := Parse(root, resolver)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Policy.Default) != 2 {
		t.Fatalf("got %d default rules", len(cfg.Policy.Default))
	}
	if cfg.Policy.Default[0].Allow {
		t.Errorf("first rule should be a deny")
	}
	if cfg.Policy.Default[1].ServiceName != "org.example.Svc" {
		t.Errorf("got %q", cfg.Policy.Default[1].ServiceName)
	}
}

func TestPolicyPerUserContextRules(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "root.conf", `
<busconfig>
  <listen>unix:path=/x</listen>
  <policy user="alice">
    <allow send="foo.Bar"/>
  </policy>
</busconfig>`)

	cfg, err := Parse(root, resolver)
	if err != nil {
		t.Fatal(err)
	}
	rules, ok := cfg.Policy.PerUser[1000]
	if !ok || len(rules) != 1 {
		t.Fatalf("got %v ok=%v", rules, ok)
	}
}

// Unknown user in a <policy user="..."> makes the whole block inert, per
// spec.md 4.8 and the design-notes resolution of that Open Question.
func TestPolicyUnknownUserIsIgnored(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "root.conf", `
<busconfig>
  <listen>unix:path=/x</listen>
  <policy user="nosuchuser">
    <allow send="foo.Bar"/>
  </policy>
</busconfig>`)

	cfg, err := Parse(root, resolver)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Policy.PerUser) != 0 {
		t.Errorf("expected no per-user rules recorded, got %v", cfg.Policy.PerUser)
	}
}

func TestPolicyWildcardSelectorRejected(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "root.conf", `
<busconfig>
  <listen>unix:path=/x</listen>
  <policy user="*">
    <allow send="foo.Bar"/>
  </policy>
</busconfig>`)

	_, err := Parse(root, resolver)
	if busd.KindOf(err) != busd.ParseError {
		t.Fatalf("expected ParseError for user=\"*\", got %v", err)
	}
}

func TestRuleRequiresExactlyOnePrimaryAttribute(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "root.conf", `
<busconfig>
  <listen>unix:path=/x</listen>
  <policy context="default">
    <allow send="a" own="b"/>
  </policy>
</busconfig>`)

	_, err := Parse(root, resolver)
	if busd.KindOf(err) != busd.ParseError {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestForkElementMustBeEmpty(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "root.conf", `
<busconfig>
  <listen>unix:path=/x</listen>
  <fork>nope</fork>
</busconfig>`)

	_, err := Parse(root, resolver)
	if busd.KindOf(err) != busd.ParseError {
		t.Fatalf("expected ParseError for non-empty <fork>, got %v", err)
	}
}

func TestLimitElementOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "root.conf", `
<busconfig>
  <listen>unix:path=/x</listen>
  <limit name="max_message_size">1048576</limit>
  <limit name="max_fds_per_message">4</limit>
</busconfig>`)

	cfg, err := Parse(root, resolver)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Limits.MaxMessageSize != 1048576 {
		t.Errorf("got MaxMessageSize=%d", cfg.Limits.MaxMessageSize)
	}
	if cfg.Limits.MaxFDsPerMessage != 4 {
		t.Errorf("got MaxFDsPerMessage=%d", cfg.Limits.MaxFDsPerMessage)
	}
	// Untouched caps keep spec.md 5's defaults.
	if cfg.Limits.MaxPendingReplies != 128 {
		t.Errorf("got MaxPendingReplies=%d", cfg.Limits.MaxPendingReplies)
	}
}

func TestLimitElementRequiresNameAttribute(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "root.conf", `
<busconfig>
  <listen>unix:path=/x</listen>
  <limit>1024</limit>
</busconfig>`)

	_, err := Parse(root, resolver)
	if busd.KindOf(err) != busd.ParseError {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

// Parser idempotence (spec.md 8 invariant): parsing F standalone and parsing
// a trivial file that only includes F produce equal configurations.
func TestParserIdempotence(t *testing.T) {
	dir := t.TempDir()
	f := writeFile(t, dir, "f.conf", `
<busconfig>
  <listen>unix:path=/x</listen>
  <type>system</type>
</busconfig>`)
	wrapper := writeFile(t, dir, "wrapper.conf", `<busconfig><include>f.conf</include></busconfig>`)

	direct, err := Parse(f, resolver)
	if err != nil {
		t.Fatal(err)
	}
	viaInclude, err := Parse(wrapper, resolver)
	if err != nil {
		t.Fatal(err)
	}
	if direct.Type != viaInclude.Type || len(direct.Listen) != len(viaInclude.Listen) {
		t.Errorf("configs differ: %+v vs %+v", direct, viaInclude)
	}
}
