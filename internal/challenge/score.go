// Package challenge owns the score of one attempt and applies the scoring rules to the
// violation and face presence signals coming out of detection.
package challenge

import "fmt"

// Rules are the scoring constants of a challenge.
type Rules struct {
	Initial   int
	Increment int // carried in the score model; no rule awards points
	Decrement int
}

// DefaultRules start at 100 and take 5 points per penalty.
var DefaultRules = Rules{Initial: 100, Increment: 0, Decrement: 5}

// Validate rejects rule sets that could never end or start over.
func (r Rules) Validate() error {
	if r.Initial <= 0 {
		return fmt.Errorf("initial score must be positive, got %d", r.Initial)
	}
	if r.Decrement <= 0 {
		return fmt.Errorf("decrement must be positive, got %d", r.Decrement)
	}
	if r.Increment < 0 {
		return fmt.Errorf("increment must not be negative, got %d", r.Increment)
	}
	return nil
}

// Score is the running score of an attempt.
type Score struct {
	Current    int  `json:"current"`
	Increment  int  `json:"increment"`
	Decrement  int  `json:"decrement"`
	GameOver   bool `json:"gameOver"`
	LoseEffect bool `json:"loseEffect"`
}

func newScore(r Rules) Score {
	return Score{Current: r.Initial, Increment: r.Increment, Decrement: r.Decrement}
}

// penalize takes one decrement, saturating at zero. Reaching zero ends the game; a finished
// game never changes again.
func (s Score) penalize() Score {
	if s.GameOver || s.Current <= 0 {
		return s
	}
	s.LoseEffect = true
	s.Current -= s.Decrement
	if s.Current <= 0 {
		s.Current = 0
		s.GameOver = true
	}
	return s
}

// OutcomeKind is the state of an attempt as the presentation layer sees it.
type OutcomeKind int

const (
	InProgress OutcomeKind = iota
	Success
	Failure
)

func (k OutcomeKind) String() string {
	switch k {
	case InProgress:
		return "in_progress"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of an attempt. Score is only meaningful for Success.
type Outcome struct {
	Kind  OutcomeKind `json:"kind"`
	Score int         `json:"score"`
}

// Succeeded returns a Success carrying the final score.
func Succeeded(score int) Outcome { return Outcome{Kind: Success, Score: score} }

// Failed returns a Failure.
func Failed() Outcome { return Outcome{Kind: Failure} }

// Terminal reports whether the attempt is over.
func (o Outcome) Terminal() bool { return o.Kind != InProgress }

func (o Outcome) String() string {
	if o.Kind == Success {
		return fmt.Sprintf("success(%d)", o.Score)
	}
	return o.Kind.String()
}
