package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-gate/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-gate/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

// MaxDocumentSize bounds a fetched rules document.
const MaxDocumentSize = 4 << 20

// ErrInvalidDocument wraps every structural or rule error found by Parse.
var ErrInvalidDocument = errors.New("invalid rules document")

// RuleSpec is the wire form of a rule shared by documents and the HTTP API.
// Exactly one of Window (Go duration) or WindowMS must be set.
type RuleSpec struct {
	Window      string `json:"window,omitempty" yaml:"window,omitempty"`
	WindowMS    int64  `json:"window_ms,omitempty" yaml:"window_ms,omitempty"`
	MaxRequests int    `json:"max_requests" yaml:"max_requests"`
}

// Rule converts s to a ratelimit.Rule and validates it.
func (s RuleSpec) Rule() (ratelimit.Rule, error) {
	var w time.Duration
	switch {
	case s.Window != "" && s.WindowMS != 0:
		return ratelimit.Rule{}, xerrors.Wrap(ratelimit.ErrInvalidRule, "set window or window_ms, not both")
	case s.Window != "":
		d, err := time.ParseDuration(s.Window)
		if err != nil {
			return ratelimit.Rule{}, xerrors.Wrapf(ratelimit.ErrInvalidRule, "window %q", s.Window)
		}
		w = d
	default:
		w = time.Duration(s.WindowMS) * time.Millisecond
	}
	r := ratelimit.Rule{Window: w, MaxRequests: s.MaxRequests}
	if err := r.Validate(); err != nil {
		return ratelimit.Rule{}, err
	}
	return r, nil
}

// SpecOf renders r in its wire form.
func SpecOf(r ratelimit.Rule) RuleSpec {
	return RuleSpec{Window: r.Window.String(), MaxRequests: r.MaxRequests}
}

// SpecsOf renders rules in order.
func SpecsOf(rules []ratelimit.Rule) []RuleSpec {
	out := make([]RuleSpec, len(rules))
	for i, r := range rules {
		out[i] = SpecOf(r)
	}
	return out
}

// ParseRuleSpecs converts and validates a rule set, at least one rule is required.
func ParseRuleSpecs(specs []RuleSpec) ([]ratelimit.Rule, error) {
	if len(specs) == 0 {
		return nil, ratelimit.ErrNoRules
	}
	out := make([]ratelimit.Rule, 0, len(specs))
	for i, s := range specs {
		r, err := s.Rule()
		if err != nil {
			return nil, xerrors.Wrapf(err, "rule %d", i)
		}
		out = append(out, r)
	}
	return out, nil
}

type documentWire struct {
	Identities map[string][]RuleSpec `json:"identities" yaml:"identities"`
}

func wireOf(d *Document) documentWire {
	w := documentWire{Identities: make(map[string][]RuleSpec, len(d.Identities))}
	for id, rules := range d.Identities {
		w.Identities[id] = SpecsOf(rules)
	}
	return w
}

// Document maps identities to their rule sets.
type Document struct {
	Identities map[string][]ratelimit.Rule
}

// Names returns the identities in the document, sorted.
func (d *Document) Names() []string {
	out := make([]string, 0, len(d.Identities))
	for id := range d.Identities {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Parse decodes and validates a document. Unknown fields are rejected so a
// typo such as max_request fails loudly instead of leaving an identity open.
// Every problem is reported, not only the first.
func Parse(b []byte) (*Document, error) {
	if len(b) > MaxDocumentSize {
		return nil, xerrors.Wrapf(ErrInvalidDocument, "%d bytes exceeds %d", len(b), MaxDocumentSize)
	}

	var wire documentWire
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&wire); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrapf(ErrInvalidDocument, "decode: %v", err)
	}

	doc := &Document{Identities: make(map[string][]ratelimit.Rule, len(wire.Identities))}
	var errs []error
	for id, specs := range wire.Identities {
		switch {
		case id == "":
			errs = append(errs, xerrors.New("empty identity"))
			continue
		case len(id) > httpmw.MaxIdentityLen:
			errs = append(errs, xerrors.Newf("identity %.32q...: longer than %d bytes", id, httpmw.MaxIdentityLen))
			continue
		}
		rules, err := ParseRuleSpecs(specs)
		if err != nil {
			errs = append(errs, xerrors.Wrapf(err, "identity %q", id))
			continue
		}
		doc.Identities[id] = rules
	}
	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
		return nil, xerrors.Wrap(errors.Join(append([]error{ErrInvalidDocument}, errs...)...), "parse rules document")
	}
	return doc, nil
}

// Marshal renders doc as YAML, the inverse of Parse.
func Marshal(doc *Document) ([]byte, error) {
	return yaml.Marshal(wireOf(doc))
}

// MarshalJSON renders the document for the HTTP API.
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireOf(d))
}
