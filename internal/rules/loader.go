package rules

import (
	"context"
	"errors"
	"time"

	"github.com/keithlinneman/linnemanlabs-gate/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

// ErrUnsigned is returned when a verifier is configured and the source has no signature.
var ErrUnsigned = errors.New("rules document is not signed")

// Verifier checks a detached signature. *cryptoutil.KMSVerifier satisfies it.
type Verifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// Load stages, used as error labels.
const (
	StageFetch     = "fetch"
	StageSignature = "signature"
	StageParse     = "parse"
	StageApply     = "apply"
)

// StageError records which step of loading or applying a document failed.
type StageError struct {
	Stage string
	// SHA256 of the rejected document, empty when it was never fetched
	SHA256 string
	Err    error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage of err, or StageFetch when it carries none.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return StageFetch
}

// Loaded is a verified, parsed document.
type Loaded struct {
	Document *Document
	SHA256   string
	Signed   bool
	Source   string
	LoadedAt time.Time
}

// Loader fetches, verifies and parses documents from one source.
type Loader struct {
	Source Source
	// Verifier, when set, makes signatures mandatory
	Verifier Verifier
}

func (l *Loader) Load(ctx context.Context) (*Loaded, error) {
	raw, sig, err := l.Source.Fetch(ctx)
	if err != nil {
		return nil, &StageError{Stage: StageFetch, Err: err}
	}

	sum := cryptoutil.SHA256Hex(raw)
	signed := false
	if l.Verifier != nil {
		if sig == nil {
			return nil, &StageError{Stage: StageSignature, SHA256: sum, Err: xerrors.Wrapf(ErrUnsigned, "source %s", l.Source)}
		}
		decoded, err := cryptoutil.DecodeSignature(sig)
		if err != nil {
			return nil, &StageError{Stage: StageSignature, SHA256: sum, Err: err}
		}
		if err := l.Verifier.VerifySignature(ctx, raw, decoded); err != nil {
			return nil, &StageError{Stage: StageSignature, SHA256: sum, Err: xerrors.Wrapf(err, "verify rules document from %s", l.Source)}
		}
		signed = true
	}

	doc, err := Parse(raw)
	if err != nil {
		return nil, &StageError{Stage: StageParse, SHA256: sum, Err: err}
	}
	return &Loaded{
		Document: doc,
		SHA256:   sum,
		Signed:   signed,
		Source:   l.Source.String(),
		LoadedAt: time.Now().UTC(),
	}, nil
}
