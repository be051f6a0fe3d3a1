// Package config implements the configuration parser (C8): an
// element-stack-driven reader of the hierarchical busconfig format,
// producing daemon parameters and a policy.Policy, per spec.md 4.8.
//
// The tokenizer is stdlib encoding/xml -- spec.md itself names "choice of
// XML tokenizer" as an external concern the core doesn't own, and nothing in
// the example pack retrieved for this spec carries a third-party XML
// library, so there is no ecosystem choice to defer to here.
package config

import (
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/sandia-minimega/busd/internal/busd"
	"github.com/sandia-minimega/busd/internal/policy"
)

// Resolver looks up the uid/gid a username/groupname maps to. Unknown names
// are reported via ok=false, never an error -- spec.md 4.8 treats an unknown
// user/group as a per-rule warning, not a parse failure.
type Resolver interface {
	UID(name string) (int, bool)
	GID(name string) (int, bool)
}

// Limits holds the overridable resource caps from spec.md 5, decoded from a
// busconfig document's free-form <limit name="..."> elements the way phenix
// decodes its generic config maps: mapstructure.Decode into a typed struct,
// keyed by each field's `mapstructure` tag rather than the config element's
// raw attribute name.
type Limits struct {
	MaxPendingReplies int `mapstructure:"max_pending_replies_per_connection"`
	MaxMatchRules     int `mapstructure:"max_match_rules_per_connection"`
	MaxOutboundBytes  int `mapstructure:"max_outbound_bytes_per_connection"`
	MaxMessageSize    int `mapstructure:"max_message_size"`
	MaxFDsPerMessage  int `mapstructure:"max_fds_per_message"`
}

// DefaultLimits are spec.md 5's stated defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPendingReplies: 128,
		MaxMatchRules:     512,
		MaxOutboundBytes:  128 * 1024 * 1024,
		MaxMessageSize:    64 * 1024 * 1024,
		MaxFDsPerMessage:  16,
	}
}

// Config is the daemon configuration produced by parsing a busconfig
// document tree (spec.md 3/4.8).
type Config struct {
	Type       string
	User       string
	Fork       bool
	PidFile    string
	Listen     []string
	Auth       []string
	ServiceDir []string
	Policy     *policy.Policy
	Limits     Limits

	rawLimits map[string]string
}

func newConfig() *Config {
	return &Config{Policy: policy.New(), Limits: DefaultLimits(), rawLimits: map[string]string{}}
}

// Parse reads and fully resolves the busconfig document tree rooted at
// path, following include/includedir directives (spec.md 4.8).
func Parse(path string, resolver Resolver) (*Config, error) {
	cfg, err := parseFile(path, resolver, make(map[string]bool))
	if err != nil {
		return nil, err
	}
	if err := decodeLimits(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeLimits decodes the merged document's <limit name="..."> values (text
// strings) into cfg.Limits' typed fields, the same role mapstructure plays
// decoding phenix's generic config maps into typed structs.
func decodeLimits(cfg *Config) error {
	if len(cfg.rawLimits) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg.Limits,
	})
	if err != nil {
		return busd.New(busd.ParseError, "building limits decoder: %v", err)
	}
	if err := dec.Decode(cfg.rawLimits); err != nil {
		return busd.New(busd.ParseError, "decoding <limit> values: %v", err)
	}
	return nil
}

func parseFile(path string, resolver Resolver, seen map[string]bool) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, busd.New(busd.ParseError, "resolving path %q: %v", path, err)
	}
	if seen[abs] {
		return nil, busd.New(busd.ParseError, "circular include detected at %q", path)
	}
	seen[abs] = true

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, busd.New(busd.FileNotFound, "config file not found: %s", path)
		}
		return nil, busd.New(busd.IOError, "reading %q: %v", path, err)
	}

	basedir := filepath.Dir(abs)
	p := &parser{
		resolver: resolver,
		basedir:  basedir,
		seen:     seen,
		cfg:      newConfig(),
	}
	if err := p.run(data); err != nil {
		return nil, err
	}
	if len(p.cfg.Listen) == 0 {
		return nil, busd.New(busd.ParseError, "%s: at least one <listen> element is required", path)
	}
	return p.cfg, nil
}

// merge folds src into dst per spec.md 4.8's inclusion semantics: scalar
// fields overwrite if src sets them, list fields concatenate preserving
// order, policy rules concatenate, fork ORs.
func merge(dst, src *Config) {
	if src.Type != "" {
		dst.Type = src.Type
	}
	if src.User != "" {
		dst.User = src.User
	}
	if src.PidFile != "" {
		dst.PidFile = src.PidFile
	}
	dst.Fork = dst.Fork || src.Fork
	dst.Listen = append(dst.Listen, src.Listen...)
	dst.Auth = append(dst.Auth, src.Auth...)
	dst.ServiceDir = append(dst.ServiceDir, src.ServiceDir...)

	dst.Policy.Default = append(dst.Policy.Default, src.Policy.Default...)
	dst.Policy.Mandatory = append(dst.Policy.Mandatory, src.Policy.Mandatory...)
	for uid, list := range src.Policy.PerUser {
		dst.Policy.PerUser[uid] = append(dst.Policy.PerUser[uid], list...)
	}
	for gid, list := range src.Policy.PerGroup {
		dst.Policy.PerGroup[gid] = append(dst.Policy.PerGroup[gid], list...)
	}

	for name, val := range src.rawLimits {
		dst.rawLimits[name] = val
	}
}

// policyTarget names the rule list currently being populated inside a
// <policy> element.
type policyTarget struct {
	list    *policy.List // nil if ignored
	ignored bool
}

type parser struct {
	resolver Resolver
	basedir  string
	seen     map[string]bool
	cfg      *Config

	stack        []string
	target       *policyTarget // non-nil while inside <policy>
	pendingUID   *int          // set while target is a per-user list being built
	pendingGID   *int          // set while target is a per-group list being built
	pendingLimit string        // name= attribute of the <limit> element in progress
	include      struct {
		ignoreMissing bool
	}
	text strings.Builder
}

// elementParents enumerates the one legal parent for each element, per the
// table in spec.md 4.8. busconfig is the document root, with no parent.
var elementParents = map[string]string{
	"type":       "busconfig",
	"user":       "busconfig",
	"fork":       "busconfig",
	"pidfile":    "busconfig",
	"listen":     "busconfig",
	"auth":       "busconfig",
	"servicedir": "busconfig",
	"includedir": "busconfig",
	"include":    "busconfig",
	"policy":     "busconfig",
	"limit":      "busconfig",
	"allow":      "policy",
	"deny":       "policy",
}

// leafElements is the set of elements the table requires text content for.
var leafElements = map[string]bool{
	"type": true, "user": true, "pidfile": true, "listen": true,
	"auth": true, "servicedir": true, "includedir": true, "include": true,
	"limit": true,
}

// emptyElements is the set of elements whose content must be empty (besides
// the "children" elements busconfig/policy, handled separately).
var emptyElements = map[string]bool{
	"fork": true, "allow": true, "deny": true,
}

func (p *parser) run(data []byte) error {
	dec := xml.NewDecoder(strings.NewReader(string(data)))

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return busd.New(busd.ParseError, "%v", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if err := p.start(t); err != nil {
				return err
			}
		case xml.CharData:
			p.text.Write(t)
		case xml.EndElement:
			if err := p.end(t.Name.Local); err != nil {
				return err
			}
		}
	}

	if len(p.stack) != 0 {
		return busd.New(busd.ParseError, "unclosed element %q", p.stack[len(p.stack)-1])
	}
	return nil
}

func (p *parser) parent() string {
	if len(p.stack) == 0 {
		return ""
	}
	return p.stack[len(p.stack)-1]
}

func (p *parser) start(t xml.StartElement) error {
	name := t.Name.Local

	if name != "busconfig" {
		want, known := elementParents[name]
		if !known {
			return busd.New(busd.ParseError, "unrecognized element <%s>", name)
		}
		if p.parent() != want {
			return busd.New(busd.ParseError, "<%s> not allowed inside <%s>", name, p.parent())
		}
	} else if len(p.stack) != 0 {
		return busd.New(busd.ParseError, "<busconfig> must be the document root")
	}

	p.text.Reset()
	p.stack = append(p.stack, name)

	switch name {
	case "include":
		p.include.ignoreMissing = false
		for _, a := range t.Attr {
			if a.Name.Local == "ignore_missing" {
				p.include.ignoreMissing = a.Value == "yes"
			}
		}
	case "policy":
		return p.startPolicy(t)
	case "allow", "deny":
		return p.startRule(name, t)
	case "limit":
		p.pendingLimit = ""
		for _, a := range t.Attr {
			if a.Name.Local == "name" {
				p.pendingLimit = a.Value
			}
		}
		if p.pendingLimit == "" {
			return busd.New(busd.ParseError, "<limit> requires a name= attribute")
		}
	}
	return nil
}

func (p *parser) startPolicy(t xml.StartElement) error {
	var context, user, group string
	for _, a := range t.Attr {
		switch a.Name.Local {
		case "context":
			context = a.Value
		case "user":
			user = a.Value
		case "group":
			group = a.Value
		}
	}

	n := 0
	for _, v := range []string{context, user, group} {
		if v != "" {
			n++
		}
	}
	if n != 1 {
		return busd.New(busd.ParseError, "<policy> requires exactly one of context=, user=, group=")
	}

	// Resolved per SPEC_FULL.md design notes: a wildcard selector has no
	// "any uid/gid" representation and is rejected outright rather than
	// silently guessed at.
	if user == "*" || group == "*" {
		return busd.New(busd.ParseError, "<policy> selector %q is not a valid wildcard", "*")
	}

	switch {
	case context == "default":
		p.target = &policyTarget{list: &p.cfg.Policy.Default}
	case context == "mandatory":
		p.target = &policyTarget{list: &p.cfg.Policy.Mandatory}
	case context != "":
		return busd.New(busd.ParseError, "unknown policy context %q", context)
	case user != "":
		uid, ok := p.resolver.UID(user)
		if !ok {
			p.target = &policyTarget{ignored: true}
			break
		}
		if p.cfg.Policy.PerUser[uid] == nil {
			p.cfg.Policy.PerUser[uid] = policy.List{}
		}
		l := p.cfg.Policy.PerUser[uid]
		p.target = &policyTarget{list: &l}
		p.pendingUID = &uid
	case group != "":
		gid, ok := p.resolver.GID(group)
		if !ok {
			p.target = &policyTarget{ignored: true}
			break
		}
		if p.cfg.Policy.PerGroup[gid] == nil {
			p.cfg.Policy.PerGroup[gid] = policy.List{}
		}
		l := p.cfg.Policy.PerGroup[gid]
		p.target = &policyTarget{list: &l}
		p.pendingGID = &gid
	}
	return nil
}

func (p *parser) startRule(elem string, t xml.StartElement) error {
	if p.target == nil {
		return busd.New(busd.ParseError, "<%s> must appear inside <policy>", elem)
	}
	if p.target.ignored {
		return nil
	}

	allow := elem == "allow"
	var attrs = map[string]string{}
	for _, a := range t.Attr {
		attrs[a.Name.Local] = a.Value
	}

	rule, err := p.buildRule(allow, attrs)
	if err != nil {
		return err
	}
	if rule == nil {
		return nil // unknown user/group: silently dropped, per spec.md 4.8
	}
	*p.target.list = append(*p.target.list, *rule)
	return nil
}

func wildcard(s string) string {
	if s == "*" {
		return ""
	}
	return s
}

func (p *parser) buildRule(allow bool, attrs map[string]string) (*policy.Rule, error) {
	primary := []string{"send", "receive", "own", "send_to", "receive_from", "user", "group"}
	present := 0
	var which string
	for _, k := range primary {
		if _, ok := attrs[k]; ok {
			present++
			which = k
		}
	}
	if present != 1 {
		return nil, busd.New(busd.ParseError, "<allow>/<deny> requires exactly one of %v", primary)
	}

	r := policy.Rule{Allow: allow}
	switch which {
	case "send":
		r.Kind = policy.Send
		r.MessageName = wildcard(attrs["send"])
		r.Destination = wildcard(attrs["destination"])
	case "send_to":
		r.Kind = policy.Send
		r.Destination = wildcard(attrs["send_to"])
	case "receive":
		r.Kind = policy.Receive
		r.MessageName = wildcard(attrs["receive"])
		r.Source = wildcard(attrs["sender"])
	case "receive_from":
		r.Kind = policy.Receive
		r.Source = wildcard(attrs["receive_from"])
	case "own":
		r.Kind = policy.Own
		r.ServiceName = wildcard(attrs["own"])
	case "user":
		if attrs["user"] == "*" {
			return nil, busd.New(busd.ParseError, "user=\"*\" has no \"match any\" representation")
		}
		uid, ok := p.resolver.UID(attrs["user"])
		if !ok {
			return nil, nil
		}
		r.Kind = policy.User
		r.UID = &uid
	case "group":
		if attrs["group"] == "*" {
			return nil, busd.New(busd.ParseError, "group=\"*\" has no \"match any\" representation")
		}
		gid, ok := p.resolver.GID(attrs["group"])
		if !ok {
			return nil, nil
		}
		r.Kind = policy.Group
		r.GID = &gid
	}
	return &r, nil
}

func (p *parser) end(name string) error {
	p.stack = p.stack[:len(p.stack)-1]
	text := strings.TrimSpace(p.text.String())
	p.text.Reset()

	if leafElements[name] && text == "" {
		return busd.New(busd.ParseError, "<%s> requires text content", name)
	}
	if (emptyElements[name] || name == "busconfig" || name == "policy") && text != "" {
		return busd.New(busd.ParseError, "<%s> must not contain text content", name)
	}

	switch name {
	case "type":
		p.cfg.Type = text
	case "user":
		p.cfg.User = text
	case "fork":
		p.cfg.Fork = true
	case "pidfile":
		p.cfg.PidFile = text
	case "listen":
		p.cfg.Listen = append(p.cfg.Listen, text)
	case "auth":
		p.cfg.Auth = append(p.cfg.Auth, text)
	case "servicedir":
		p.cfg.ServiceDir = append(p.cfg.ServiceDir, resolvePath(p.basedir, text))
	case "include":
		return p.finishInclude(text)
	case "includedir":
		return p.finishIncludeDir(text)
	case "limit":
		p.cfg.rawLimits[p.pendingLimit] = text
		p.pendingLimit = ""
	case "policy":
		p.flushPolicyTarget()
		p.target = nil
	}
	return nil
}

// flushPolicyTarget writes back a per-user/per-group list built through a
// local copy (needed because Go map values aren't addressable) into the
// config's maps.
func (p *parser) flushPolicyTarget() {
	if p.target == nil || p.target.ignored || p.target.list == nil {
		return
	}
	if p.pendingUID != nil {
		p.cfg.Policy.PerUser[*p.pendingUID] = *p.target.list
		p.pendingUID = nil
	}
	if p.pendingGID != nil {
		p.cfg.Policy.PerGroup[*p.pendingGID] = *p.target.list
		p.pendingGID = nil
	}
}

func (p *parser) finishInclude(relPath string) error {
	path := resolvePath(p.basedir, relPath)
	included, err := parseFile(path, p.resolver, p.seen)
	if err != nil {
		if busd.KindOf(err) == busd.FileNotFound && p.include.ignoreMissing {
			return nil
		}
		return err
	}
	merge(p.cfg, included)
	return nil
}

func (p *parser) finishIncludeDir(relDir string) error {
	dir := resolvePath(p.basedir, relDir)
	matches, err := filepath.Glob(filepath.Join(dir, "*.conf"))
	if err != nil {
		return busd.New(busd.ParseError, "globbing %q: %v", dir, err)
	}
	sort.Strings(matches)
	for _, m := range matches {
		included, err := parseFile(m, p.resolver, p.seen)
		if err != nil {
			return err
		}
		merge(p.cfg, included)
	}
	return nil
}

func resolvePath(basedir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(basedir, path)
}

