package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

// Admission outcomes reported to Metrics
const (
	OutcomeAdmitted = "admitted"
	OutcomeRejected = "rejected"
	OutcomeOpen     = "open"
)

// Metrics is implemented by the metrics package to observe admission behavior.
type Metrics interface {
	IncAdmission(outcome string)
	ObserveWork(seconds float64, failed bool)
	AddReaped(n int)
}

// window tracks the admitted timestamps of a single identity, oldest first
type window struct {
	mu       sync.Mutex
	stamps   []time.Time
	lastSeen time.Time
	// logged tracks whether we have already fired the first-denial hook
	// resets when the window is reaped and re-created
	logged bool
	// dead is set by the reaper after removing the window from the table.
	// callers still holding the pointer must look it up again instead of recording into it
	dead bool
}

// prune drops every timestamp that has fallen out of the longest window
func (w *window) prune(now time.Time, longest time.Duration) {
	cutoff := now.Add(-longest)
	i := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(cutoff) })
	if i == 0 {
		return
	}
	n := copy(w.stamps, w.stamps[i:])
	w.stamps = w.stamps[:n]
}

// count returns how many timestamps fall inside (now-d, now]
func (w *window) count(now time.Time, d time.Duration) int {
	cutoff := now.Add(-d)
	i := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(cutoff) })
	return len(w.stamps) - i
}

// retryAfter returns how long until r has room again
func (w *window) retryAfter(now time.Time, r Rule) time.Duration {
	// the count drops below the ceiling once the entry MaxRequests places from the newest expires
	k := len(w.stamps) - r.MaxRequests
	if k < 0 {
		return r.Window
	}
	d := w.stamps[k].Add(r.Window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// quiet reports whether every entry is already outside the longest window
func (w *window) quiet(now time.Time, longest time.Duration) bool {
	if len(w.stamps) == 0 || longest <= 0 {
		return true
	}
	return !w.stamps[len(w.stamps)-1].After(now.Add(-longest))
}

// Decision is the outcome of one admission attempt.
type Decision struct {
	// Admitted reports whether the request may proceed. A slot has already been recorded when true.
	Admitted bool
	// Open is true when the identity has no rules and was admitted without being counted.
	Open bool
	// Rule is the rule that rejected the request, or the tightest rule when admitted.
	Rule Rule
	// Count is the number of requests inside Rule's window, including this one when admitted.
	Count int
	// Remaining is how many more requests Rule allows right now.
	Remaining int
	// RetryAfter is a hint for rejected requests: the time until Rule frees a slot.
	RetryAfter time.Duration
}

// Usage is a read-only view of one rule's current window.
type Usage struct {
	Rule      Rule
	Count     int
	Remaining int
}

// Limiter holds rule sets and window logs keyed by identity.
type Limiter struct {
	// mu guards the two maps only. each window carries its own lock for admission.
	mu      sync.RWMutex
	rules   map[string][]Rule
	windows map[string]*window

	now func() time.Time

	// ttl controls how long an idle identity keeps its window log before the reaper drops it
	ttl time.Duration

	// maxIdentities caps the number of registered rule sets, 0 disables the cap
	maxIdentities int
	// atCapacity tracks whether OnCapacity already fired for the current saturation episode
	atCapacity bool

	// OnFirstDenied is called once per window log when an identity is first rejected
	OnFirstDenied func(identity string)

	// OnDenied is called on every rejected request
	OnDenied func(identity string)

	// OnCapacity is called once when SetRules first hits the identity cap
	OnCapacity func()

	metrics Metrics
}

type Option func(*Limiter)

// WithClock replaces time.Now, used for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIdleTTL controls how long an idle identity keeps its window log. 0 disables the reaper.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) {
		l.ttl = d
	}
}

// WithMaxIdentities caps the number of identities that may have rules registered.
func WithMaxIdentities(n int) Option {
	return func(l *Limiter) {
		l.maxIdentities = n
	}
}

// WithOnFirstDenied sets a callback for the first rejection of each window log, used for logging.
// Separate from OnDenied so we log once per offender but still count every rejection
func WithOnFirstDenied(fn func(identity string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every rejected request.
func WithOnDenied(fn func(identity string)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

// WithOnCapacity sets a callback fired when the identity cap is first reached.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) {
		l.OnCapacity = fn
	}
}

// WithMetrics wires admission observability.
func WithMetrics(m Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// New creates a Limiter and starts the background reaper.
// The reaper stops when ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		rules:   make(map[string][]Rule),
		windows: make(map[string]*window),
		now:     time.Now,
		ttl:     10 * time.Minute,
	}
	for _, o := range opts {
		o(l)
	}
	if l.ttl > 0 {
		go l.cleanup(ctx)
	}
	return l
}

// SetRules replaces the rule set of identity. The new rules apply to every
// admission attempt that has not yet read the old set.
func (l *Limiter) SetRules(identity string, rules []Rule) error {
	if identity == "" {
		return ErrEmptyIdentity
	}
	if len(rules) == 0 {
		return ErrNoRules
	}
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return xerrors.Wrapf(err, "rule %d", i)
		}
	}
	// callers keep ownership of their slice
	set := make([]Rule, len(rules))
	copy(set, rules)

	l.mu.Lock()
	if _, exists := l.rules[identity]; !exists && l.maxIdentities > 0 && len(l.rules) >= l.maxIdentities {
		fire := !l.atCapacity
		l.atCapacity = true
		l.mu.Unlock()
		if fire && l.OnCapacity != nil {
			l.OnCapacity()
		}
		return ErrCapacity
	}
	l.rules[identity] = set
	l.mu.Unlock()
	return nil
}

// Rules returns a copy of identity's rule set.
func (l *Limiter) Rules(identity string) ([]Rule, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set, ok := l.rules[identity]
	if !ok {
		return nil, false
	}
	out := make([]Rule, len(set))
	copy(out, set)
	return out, true
}

// RemoveRules drops identity's rule set, making it unthrottled again.
// Its window log is left for the reaper.
func (l *Limiter) RemoveRules(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rules[identity]; !ok {
		return false
	}
	delete(l.rules, identity)
	if l.maxIdentities > 0 && len(l.rules) < l.maxIdentities {
		l.atCapacity = false
	}
	return true
}

// Identities returns the identities that currently have rules, sorted.
func (l *Limiter) Identities() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.rules))
	for id := range l.rules {
		out = append(out, id)
	}
	l.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Tracked returns the number of identities with a live window log.
func (l *Limiter) Tracked() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// Allow reports whether identity may proceed, recording the request when it may.
func (l *Limiter) Allow(identity string) bool {
	return l.Decide(identity).Admitted
}

// Decide runs one admission attempt for identity. Rejections leave the window log untouched.
func (l *Limiter) Decide(identity string) Decision {
	for {
		l.mu.RLock()
		rules, configured := l.rules[identity]
		w := l.windows[identity]
		l.mu.RUnlock()

		// identities without rules are never throttled and never tracked
		if !configured {
			l.observe(OutcomeOpen)
			return Decision{Admitted: true, Open: true}
		}
		if w == nil {
			w = l.windowFor(identity)
		}

		d, first, ok := l.admit(w, rules)
		if !ok {
			// reaped between lookup and lock, start over with a fresh window
			continue
		}

		if d.Admitted {
			l.observe(OutcomeAdmitted)
			return d
		}

		l.observe(OutcomeRejected)
		if first && l.OnFirstDenied != nil {
			l.OnFirstDenied(identity)
		}
		if l.OnDenied != nil {
			l.OnDenied(identity)
		}
		return d
	}
}

// admit is the critical section: prune, count every rule, append on success.
// ok is false when the window was reaped before we got the lock.
func (l *Limiter) admit(w *window, rules []Rule) (d Decision, first bool, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return Decision{}, false, false
	}

	now := l.now()
	// keep the log ordered even if the clock steps backwards
	if n := len(w.stamps); n > 0 && now.Before(w.stamps[n-1]) {
		now = w.stamps[n-1]
	}
	w.lastSeen = now
	w.prune(now, longest(rules))

	tightest := -1
	for i, r := range rules {
		n := w.count(now, r.Window)
		if n >= r.MaxRequests {
			first = !w.logged
			w.logged = true
			return Decision{
				Rule:       r,
				Count:      n,
				RetryAfter: w.retryAfter(now, r),
			}, first, true
		}
		remaining := r.MaxRequests - n - 1
		if tightest < 0 || remaining < d.Remaining {
			tightest = i
			d.Rule = r
			d.Count = n + 1
			d.Remaining = remaining
		}
	}

	w.stamps = append(w.stamps, now)
	d.Admitted = true
	return d, false, true
}

// windowFor returns identity's window log, creating it on first use
func (l *Limiter) windowFor(identity string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[identity]; ok {
		return w
	}
	w := &window{}
	l.windows[identity] = w
	return w
}

// Usage reports per-rule counts for identity without recording anything.
func (l *Limiter) Usage(identity string) ([]Usage, bool) {
	l.mu.RLock()
	rules, ok := l.rules[identity]
	w := l.windows[identity]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}

	out := make([]Usage, len(rules))
	if w == nil {
		for i, r := range rules {
			out[i] = Usage{Rule: r, Remaining: r.MaxRequests}
		}
		return out, true
	}

	w.mu.Lock()
	now := l.now()
	for i, r := range rules {
		n := w.count(now, r.Window)
		rem := r.MaxRequests - n
		if rem < 0 {
			rem = 0
		}
		out[i] = Usage{Rule: r, Count: n, Remaining: rem}
	}
	w.mu.Unlock()
	return out, true
}

func (l *Limiter) observe(outcome string) {
	if l.metrics != nil {
		l.metrics.IncAdmission(outcome)
	}
}

// reap drops window logs that have been idle longer than the ttl and hold nothing still in a window.
// Returns the number of identities dropped.
func (l *Limiter) reap(now time.Time) int {
	l.mu.Lock()
	n := 0
	for id, w := range l.windows {
		w.mu.Lock()
		if now.Sub(w.lastSeen) > l.ttl && w.quiet(now, longest(l.rules[id])) {
			w.dead = true
			delete(l.windows, id)
			n++
		}
		w.mu.Unlock()
	}
	l.mu.Unlock()

	if n > 0 && l.metrics != nil {
		l.metrics.AddReaped(n)
	}
	return n
}

// cleanup periodically reaps idle identities.
// Runs every ttl/2 to avoid holding stale entries much longer than intended.
func (l *Limiter) cleanup(ctx context.Context) {
	interval := l.ttl / 2
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reap(l.now())
		}
	}
}
