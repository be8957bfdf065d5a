package rules

import (
	"sync"

	"github.com/keithlinneman/linnemanlabs-gate/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

// Target receives rule changes. *ratelimit.Limiter satisfies it.
type Target interface {
	SetRules(identity string, rules []ratelimit.Rule) error
	RemoveRules(identity string) bool
}

// Result summarizes one Apply.
type Result struct {
	Set     int
	Removed int
	Failed  map[string]error
}

// Applier applies documents to a Target and remembers which identities the
// last document owns. Rules registered by other means for identities no
// document ever listed are left alone.
type Applier struct {
	target Target

	mu     sync.Mutex
	owned  map[string]struct{}
	active *Loaded
}

func NewApplier(t Target) *Applier {
	return &Applier{target: t, owned: make(map[string]struct{})}
}

// Apply removes identities the previous document owned that l no longer
// lists, then sets every identity in l. Removal runs first so a shrinking
// document frees capacity before new identities are added.
// A partial failure still records l as active and returns a StageApply error.
func (a *Applier) Apply(l *Loaded) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res := Result{}
	doc := l.Document
	for id := range a.owned {
		if _, keep := doc.Identities[id]; keep {
			continue
		}
		if a.target.RemoveRules(id) {
			res.Removed++
		}
		delete(a.owned, id)
	}

	var errs []error
	for _, id := range doc.Names() {
		if err := a.target.SetRules(id, doc.Identities[id]); err != nil {
			if res.Failed == nil {
				res.Failed = make(map[string]error)
			}
			res.Failed[id] = err
			errs = append(errs, xerrors.Wrapf(err, "identity %q", id))
			continue
		}
		a.owned[id] = struct{}{}
		res.Set++
	}
	a.active = l

	if len(errs) > 0 {
		return res, &StageError{Stage: StageApply, Err: xerrors.Join(errs...)}
	}
	return res, nil
}

// Active returns the last applied document, nil before the first Apply.
func (a *Applier) Active() *Loaded {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Owns reports whether identity's rules came from a document.
func (a *Applier) Owns(identity string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.owned[identity]
	return ok
}
