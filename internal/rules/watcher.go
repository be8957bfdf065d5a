package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-gate/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

const (
	// DefaultPollInterval is how often the watcher fetches the document.
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive fetch errors.
	maxBackoff = 5 * time.Minute

	defaultStaleThreshold = 30 * time.Minute
)

type pollResult int

const (
	pollNoChange   pollResult = iota // hash matches the active document
	pollSwapped                      // new document applied
	pollFetchError                   // source unreachable, caller backs off
	pollRejected                     // fetched but failed signature or parse, active rules kept
	pollPartial                      // applied but some identities failed
)

// DocumentLoader is what the Watcher needs from a *Loader.
type DocumentLoader interface {
	Load(ctx context.Context) (*Loaded, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(errType string)
	ObserveRulesLoadDuration(seconds float64)
	SetWatcherLastSuccess(t time.Time)
	SetWatcherStale(stale bool)
	SetRulesDocument(sha256 string, identities int)
}

type WatcherOptions struct {
	Logger       log.Logger
	Loader       DocumentLoader
	Applier      *Applier
	PollInterval time.Duration

	// OnSwap runs on the poll goroutine after a document is applied.
	OnSwap func(l *Loaded, res Result)

	Metrics WatcherMetrics

	// StaleThreshold is how long without a successful fetch before the
	// watcher reports stale. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

// Watcher polls a source and applies new documents.
type Watcher struct {
	loader   DocumentLoader
	applier  *Applier
	logger   log.Logger
	interval time.Duration
	onSwap   func(*Loaded, Result)
	metrics  WatcherMetrics

	// touched only by the poll goroutine
	currentHash     string
	rejectedHash    string
	consecutiveErrs int
	staleThreshold  time.Duration
	lastSuccessAt   time.Time
	staleLogged     bool
	pollCount       int64
	swapCount       int64

	mu      sync.RWMutex
	lastErr error
}

func NewWatcher(opts *WatcherOptions) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = defaultStaleThreshold
	}
	w := &Watcher{
		loader:         opts.Loader,
		applier:        opts.Applier,
		logger:         logger,
		interval:       interval,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		staleThreshold: stale,
		lastSuccessAt:  time.Now(),
	}
	// seed from a document applied before the watcher started
	if l := opts.Applier.Active(); l != nil {
		w.currentHash = l.SHA256
	}
	return w
}

// Ready is nil once a document has been applied.
func (w *Watcher) Ready() error {
	if w.applier.Active() != nil {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.lastErr != nil {
		return xerrors.Wrap(w.lastErr, "no rules document applied")
	}
	return xerrors.New("no rules document applied yet")
}

// Sync runs one poll cycle and returns its error, used at startup.
// It must not run concurrently with Run.
func (w *Watcher) Sync(ctx context.Context) error {
	w.checkOnce(ctx)
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

// Run polls until ctx is cancelled. The first poll is immediate unless a
// document is already active.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "rules watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", cryptoutil.ShortHash(w.currentHash),
	)

	first := w.interval
	if w.currentHash == "" {
		first = 0
	}
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "rules watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-timer.C:
			result := w.checkOnce(ctx)
			timer.Reset(w.next(ctx, result))
			w.trackStaleness(ctx, result)
		}
	}
}

// next returns the delay before the following poll.
func (w *Watcher) next(ctx context.Context, result pollResult) time.Duration {
	if result == pollFetchError {
		w.consecutiveErrs++
		backoff := w.backoffDuration()
		w.logger.Warn(ctx, "rules watcher: backing off",
			"consecutive_errors", w.consecutiveErrs,
			"next_poll_in", backoff.String(),
		)
		return backoff
	}
	if w.consecutiveErrs > 0 {
		w.logger.Info(ctx, "rules watcher: recovered, resuming normal interval",
			"had_consecutive_errors", w.consecutiveErrs,
		)
		w.consecutiveErrs = 0
	}
	return w.interval
}

// trackStaleness flips the stale flag once on each transition.
func (w *Watcher) trackStaleness(ctx context.Context, result pollResult) {
	if result != pollFetchError {
		if w.staleLogged {
			w.logger.Info(ctx, "rules watcher: staleness recovered")
			w.staleLogged = false
			if w.metrics != nil {
				w.metrics.SetWatcherStale(false)
			}
		}
		return
	}
	since := time.Since(w.lastSuccessAt)
	if since <= w.staleThreshold || w.staleLogged {
		return
	}
	w.logger.Error(ctx, fmt.Errorf("last successful rules fetch was %s ago", since.Truncate(time.Second)),
		"rules watcher: rules are stale, limiter keeps the last applied document",
	)
	w.staleLogged = true
	if w.metrics != nil {
		w.metrics.SetWatcherStale(true)
	}
}

func (w *Watcher) setErr(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

// checkOnce performs a single fetch-compare-apply cycle.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	start := time.Now()
	loaded, err := w.loader.Load(ctx)
	if w.metrics != nil {
		w.metrics.ObserveRulesLoadDuration(time.Since(start).Seconds())
	}
	if err != nil {
		w.setErr(err)
		stage := StageOf(err)
		var se *StageError
		if stage == StageFetch || !errors.As(err, &se) {
			w.logger.Error(ctx, err, "rules watcher: fetch failed")
			if w.metrics != nil {
				w.metrics.IncWatcherError(StageFetch)
			}
			return pollFetchError
		}

		w.markFetched()
		// a rejected document stays rejected until it changes, report it once
		if se.SHA256 == w.rejectedHash {
			return pollRejected
		}
		w.rejectedHash = se.SHA256
		w.logger.Error(ctx, err, "rules watcher: document rejected, keeping current rules",
			"stage", stage,
			"rejected_hash", cryptoutil.ShortHash(se.SHA256),
			"current_hash", cryptoutil.ShortHash(w.currentHash),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError(stage)
		}
		return pollRejected
	}

	w.markFetched()
	if cryptoutil.HashEqual(loaded.SHA256, w.currentHash) {
		w.setErr(nil)
		return pollNoChange
	}

	oldHash := w.currentHash
	res, err := w.applier.Apply(loaded)
	w.currentHash = loaded.SHA256
	w.rejectedHash = ""
	w.swapCount++
	w.setErr(err)

	if w.metrics != nil {
		w.metrics.IncWatcherSwaps()
		w.metrics.SetRulesDocument(loaded.SHA256, len(loaded.Document.Identities))
	}
	w.logger.Info(ctx, "rules watcher: document applied",
		"old_hash", cryptoutil.ShortHash(oldHash),
		"new_hash", cryptoutil.ShortHash(loaded.SHA256),
		"source", loaded.Source,
		"signed", loaded.Signed,
		"identities_set", res.Set,
		"identities_removed", res.Removed,
		"total_swaps", w.swapCount,
	)

	result := pollSwapped
	if err != nil {
		w.logger.Error(ctx, err, "rules watcher: some identities were not applied",
			"failed", len(res.Failed),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError(StageApply)
		}
		result = pollPartial
	}

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"rules watcher: OnSwap callback panicked, continuing",
						"hash", cryptoutil.ShortHash(loaded.SHA256),
					)
				}
			}()
			w.onSwap(loaded, res)
		}()
	}
	return result
}

func (w *Watcher) markFetched() {
	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(now)
	}
}

// backoffDuration doubles the interval per consecutive error, capped at maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}
