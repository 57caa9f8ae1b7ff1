// Package rule maps detected face features to a per-challenge violation signal.
package rule

import (
	"fmt"
	"strings"
	"sync"

	"github.com/andresmejia3/straightface/internal/types"
)

// Kind selects the expression a challenge forbids.
type Kind int

const (
	Smile Kind = iota
	Blink
)

func (k Kind) String() string {
	switch k {
	case Smile:
		return "smile"
	case Blink:
		return "blink"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind accepts "smile" or "blink", case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "smile":
		return Smile, nil
	case "blink":
		return Blink, nil
	}
	return 0, fmt.Errorf("unknown challenge variant %q (use smile or blink)", s)
}

// Violates reports whether any face in set shows the forbidden expression.
func Violates(kind Kind, set types.FeatureSet) bool {
	for _, f := range set.Faces {
		switch kind {
		case Smile:
			if f.HasSmile {
				return true
			}
		case Blink:
			if f.LeftEyeClosed || f.RightEyeClosed {
				return true
			}
		}
	}
	return false
}

// FeatureSource is the detector side an Evaluator subscribes to.
type FeatureSource interface {
	OnFeatures(func(types.FeatureSet))
	OnPresence(func(bool))
}

// Evaluator binds one Kind to one feature source. It forwards a violation per feature set
// and passes face presence through without repeating the same value twice in a row.
type Evaluator struct {
	kind Kind

	mu          sync.Mutex
	onViolation func(bool)
	onPresence  func(bool)
	hasLast     bool
	last        bool
}

// NewEvaluator subscribes a new evaluator for kind to src.
func NewEvaluator(kind Kind, src FeatureSource) *Evaluator {
	e := &Evaluator{kind: kind}
	src.OnFeatures(e.handleFeatures)
	src.OnPresence(e.handlePresence)
	return e
}

// Kind returns the rule this evaluator applies.
func (e *Evaluator) Kind() Kind { return e.kind }

// OnViolation registers the violation observer. A nil fn unsubscribes.
func (e *Evaluator) OnViolation(fn func(bool)) {
	e.mu.Lock()
	e.onViolation = fn
	e.mu.Unlock()
}

// OnPresence registers the de-duplicated presence observer. A nil fn unsubscribes.
func (e *Evaluator) OnPresence(fn func(bool)) {
	e.mu.Lock()
	e.onPresence = fn
	e.mu.Unlock()
}

// Detach drops both observers. Events arriving afterwards are ignored.
func (e *Evaluator) Detach() {
	e.mu.Lock()
	e.onViolation = nil
	e.onPresence = nil
	e.mu.Unlock()
}

func (e *Evaluator) handleFeatures(set types.FeatureSet) {
	e.mu.Lock()
	fn := e.onViolation
	e.mu.Unlock()
	if fn != nil {
		fn(Violates(e.kind, set))
	}
}

func (e *Evaluator) handlePresence(present bool) {
	e.mu.Lock()
	if e.hasLast && e.last == present {
		e.mu.Unlock()
		return
	}
	e.hasLast = true
	e.last = present
	fn := e.onPresence
	e.mu.Unlock()
	if fn != nil {
		fn(present)
	}
}
