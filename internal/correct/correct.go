// Package correct runs the bounded self-correction loop of the annotation
// pipeline.
//
// An [Orchestrator] starts from a validated candidate. While the candidate
// is invalid and the invocation's correction budget allows, it asks the
// model for a corrected answer and keeps whichever of the two candidates is
// better. A replacement must score strictly higher than the candidate it
// replaces; ties keep the original.
//
//	Accepted ──invalid, budget left──▶ Correcting ──compare──▶ Resolved
//	    │                                                         ▲
//	    └────────────────valid or budget spent────────────────────┘
package correct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/extract"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/resilience"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/validate"
)

// Defaults applied by [New].
const (
	DefaultMaxRounds = 1
	DefaultMargin    = 1
)

// Candidate is one extracted and validated model answer.
type Candidate struct {
	Fields extract.Fields
	Report validate.Report
}

// Requery issues one corrective request built from current and returns the
// extracted and validated reply.
type Requery func(ctx context.Context, current Candidate) (Candidate, error)

// Config tunes an [Orchestrator].
type Config struct {
	// MaxRounds caps corrective re-queries per invocation, on top of the
	// budget. Default: 1.
	MaxRounds int

	// Margin is the score gain that alone justifies a replacement. A smaller
	// positive gain is accepted only when the new candidate's issues are a
	// strict subset of the old ones. Default: 1.
	Margin int
}

// Round describes one finished correction round.
type Round struct {
	N        int
	Score    int
	Accepted bool
	Err      error
}

// Outcome is the result of [Orchestrator.Run].
type Outcome struct {
	// Final is the candidate to return to the caller.
	Final Candidate

	// Attempted is true when at least one corrective request was issued.
	Attempted bool

	// Accepted is true when a corrective candidate replaced the initial one.
	Accepted bool

	// Rounds is the number of corrective requests issued.
	Rounds int

	// InitialScore is the accuracy score of the candidate Run started from.
	InitialScore int

	// Err is the last error a round ended with, if any. The final candidate
	// is still usable.
	Err error
}

// Option customises an [Orchestrator].
type Option func(*Orchestrator)

// WithRoundHook registers fn to be called after every round.
func WithRoundHook(fn func(Round)) Option {
	return func(o *Orchestrator) { o.onRound = fn }
}

// Orchestrator runs correction loops. It holds no per-invocation state and
// is safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	onRound func(Round)
}

// New creates an [Orchestrator]. Zero-valued fields of cfg take their
// defaults.
func New(cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultMargin
	}
	o := &Orchestrator{cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run improves initial while it is invalid and budget has corrections left.
//
// A malformed reply, an exhausted provider, or any other provider failure
// ends the round without touching the current candidate and is recorded in
// Outcome.Err. Only cancellation of ctx makes Run return an error.
func (o *Orchestrator) Run(ctx context.Context, initial Candidate, budget *resilience.Budget, requery Requery) (Outcome, error) {
	out := Outcome{Final: initial, InitialScore: initial.Report.AccuracyScore}

	for out.Rounds < o.cfg.MaxRounds && !out.Final.Report.IsValid {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if !budget.SpendCorrection() {
			break
		}
		out.Attempted = true
		out.Rounds++

		next, err := requery(ctx, out.Final)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			out.Err = fmt.Errorf("correct: round %d: %w", out.Rounds, err)
			slog.Warn("correction round failed, keeping current candidate",
				"round", out.Rounds,
				"score", out.Final.Report.AccuracyScore,
				"err", err)
			o.report(Round{N: out.Rounds, Score: out.Final.Report.AccuracyScore, Err: err})
			if errors.Is(err, extract.ErrMalformedResponse) {
				continue
			}
			break
		}

		accepted := Better(next.Report, out.Final.Report, o.cfg.Margin)
		slog.Debug("correction round resolved",
			"round", out.Rounds,
			"current_score", out.Final.Report.AccuracyScore,
			"candidate_score", next.Report.AccuracyScore,
			"accepted", accepted)
		if accepted {
			out.Final = next
			out.Accepted = true
		}
		o.report(Round{N: out.Rounds, Score: next.Report.AccuracyScore, Accepted: accepted})
	}
	return out, nil
}

func (o *Orchestrator) report(r Round) {
	if o.onRound != nil {
		o.onRound(r)
	}
}

// Better reports whether next should replace prev. next must score strictly
// higher, and the gain must reach margin unless next only removed issues.
func Better(next, prev validate.Report, margin int) bool {
	gain := next.AccuracyScore - prev.AccuracyScore
	if gain <= 0 {
		return false
	}
	return gain >= margin || validate.StrictlyFewer(next, prev)
}
