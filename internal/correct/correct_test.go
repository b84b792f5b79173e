package correct_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/correct"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/extract"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/langprofile"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/resilience"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/validate"
)

func candidate(score int, issues ...validate.Issue) correct.Candidate {
	return correct.Candidate{
		Fields: extract.Fields{Annotated: fmt.Sprintf("score %d", score)},
		Report: validate.Report{IsValid: len(issues) == 0, AccuracyScore: score, Issues: issues},
	}
}

var (
	issueA = validate.Issue{Kind: validate.KindMissingReading, Description: "a"}
	issueB = validate.Issue{Kind: validate.KindToneSandhi, Description: "b"}
	issueC = validate.Issue{Kind: validate.KindSunLetter, Description: "c"}
)

// fixed returns a Requery that always answers with c and counts calls.
func fixed(c correct.Candidate, calls *int) correct.Requery {
	return func(context.Context, correct.Candidate) (correct.Candidate, error) {
		*calls++
		return c, nil
	}
}

func TestBetter_NeverAcceptsEqualOrLower(t *testing.T) {
	t.Parallel()

	for prev := 0; prev <= 100; prev += 5 {
		for next := 0; next <= prev; next += 5 {
			for _, margin := range []int{1, 5, 20} {
				nextR := validate.Report{AccuracyScore: next}
				prevR := validate.Report{AccuracyScore: prev, Issues: []validate.Issue{issueA}}
				if correct.Better(nextR, prevR, margin) {
					t.Fatalf("Better(%d, %d, margin %d) = true", next, prev, margin)
				}
			}
		}
	}
}

func TestBetter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		next   validate.Report
		prev   validate.Report
		margin int
		want   bool
	}{
		{
			name:   "gain reaches margin",
			next:   validate.Report{AccuracyScore: 80, Issues: []validate.Issue{issueC}},
			prev:   validate.Report{AccuracyScore: 70, Issues: []validate.Issue{issueA}},
			margin: 10,
			want:   true,
		},
		{
			name:   "small gain with new issue",
			next:   validate.Report{AccuracyScore: 75, Issues: []validate.Issue{issueC}},
			prev:   validate.Report{AccuracyScore: 70, Issues: []validate.Issue{issueA, issueB}},
			margin: 10,
			want:   false,
		},
		{
			name:   "small gain as strict subset",
			next:   validate.Report{AccuracyScore: 75, Issues: []validate.Issue{issueA}},
			prev:   validate.Report{AccuracyScore: 70, Issues: []validate.Issue{issueA, issueB}},
			margin: 10,
			want:   true,
		},
		{
			name:   "strict subset without gain",
			next:   validate.Report{AccuracyScore: 70, Issues: []validate.Issue{issueA}},
			prev:   validate.Report{AccuracyScore: 70, Issues: []validate.Issue{issueA, issueB}},
			margin: 1,
			want:   false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := correct.Better(tc.next, tc.prev, tc.margin); got != tc.want {
				t.Errorf("Better = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRun_ValidInitialSkipsCorrection(t *testing.T) {
	t.Parallel()

	calls := 0
	o := correct.New(correct.Config{})
	out, err := o.Run(context.Background(), candidate(100), resilience.NewBudget(3, 3), fixed(candidate(100), &calls))
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 || out.Attempted {
		t.Errorf("calls = %d, attempted = %v", calls, out.Attempted)
	}
}

func TestRun_AcceptsImprovement(t *testing.T) {
	t.Parallel()

	calls := 0
	o := correct.New(correct.Config{})
	budget := resilience.NewBudget(0, 2)
	out, err := o.Run(context.Background(), candidate(60, issueA), budget, fixed(candidate(100), &calls))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Attempted || !out.Accepted || out.Rounds != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if out.Final.Report.AccuracyScore != 100 || out.InitialScore != 60 {
		t.Errorf("final = %d, initial = %d", out.Final.Report.AccuracyScore, out.InitialScore)
	}
	if budget.Corrections() != 1 {
		t.Errorf("Corrections left = %d, want 1", budget.Corrections())
	}
}

func TestRun_KeepsOriginalOnTie(t *testing.T) {
	t.Parallel()

	calls := 0
	initial := candidate(60, issueA)
	o := correct.New(correct.Config{MaxRounds: 3})
	out, err := o.Run(context.Background(), initial, resilience.NewBudget(0, 5), fixed(candidate(60, issueB), &calls))
	if err != nil {
		t.Fatal(err)
	}
	if out.Accepted || out.Final.Fields != initial.Fields {
		t.Errorf("tie replaced the original: %+v", out)
	}
	if calls != 3 || out.Rounds != 3 {
		t.Errorf("calls = %d, rounds = %d, want 3", calls, out.Rounds)
	}
}

func TestRun_BudgetBoundsRounds(t *testing.T) {
	t.Parallel()

	calls := 0
	o := correct.New(correct.Config{MaxRounds: 5})
	out, err := o.Run(context.Background(), candidate(10, issueA), resilience.NewBudget(0, 2), fixed(candidate(20, issueA), &calls))
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 || out.Rounds != 2 {
		t.Errorf("calls = %d, rounds = %d, want 2", calls, out.Rounds)
	}

	calls = 0
	out, _ = o.Run(context.Background(), candidate(10, issueA), resilience.NewBudget(0, 0), fixed(candidate(20), &calls))
	if calls != 0 || out.Attempted {
		t.Errorf("empty budget: calls = %d, attempted = %v", calls, out.Attempted)
	}
}

func TestRun_FailedRoundKeepsCandidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{name: "malformed retries next round", err: extract.ErrMalformedResponse, wantCalls: 2},
		{name: "exhausted stops", err: fmt.Errorf("%w: last", resilience.ErrProviderExhausted), wantCalls: 1},
		{name: "other error stops", err: errors.New("bad request"), wantCalls: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			var rounds []correct.Round
			o := correct.New(correct.Config{MaxRounds: 2}, correct.WithRoundHook(func(r correct.Round) {
				rounds = append(rounds, r)
			}))
			initial := candidate(40, issueA)
			out, err := o.Run(context.Background(), initial, resilience.NewBudget(0, 2),
				func(context.Context, correct.Candidate) (correct.Candidate, error) {
					calls++
					return correct.Candidate{}, tc.err
				})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if calls != tc.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tc.wantCalls)
			}
			if out.Final.Fields != initial.Fields || out.Accepted {
				t.Errorf("candidate replaced: %+v", out.Final)
			}
			if !errors.Is(out.Err, tc.err) {
				t.Errorf("Outcome.Err = %v, want %v", out.Err, tc.err)
			}
			if len(rounds) != tc.wantCalls || rounds[0].Err == nil {
				t.Errorf("rounds = %+v", rounds)
			}
		})
	}
}

func TestRun_Cancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	o := correct.New(correct.Config{})
	_, err := o.Run(ctx, candidate(40, issueA), resilience.NewBudget(0, 1),
		func(ctx context.Context, _ correct.Candidate) (correct.Candidate, error) {
			cancel()
			return correct.Candidate{}, ctx.Err()
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRun_CompoundMisreadingCorrected(t *testing.T) {
	t.Parallel()

	ja := langprofile.Default().Resolve("ja")
	const original = "今日は晴れ"

	validated := func(annotated string) correct.Candidate {
		return correct.Candidate{
			Fields: extract.Fields{Annotated: annotated, Translated: "It is sunny today", HasAnnotation: true},
			Report: ja.Validate(original, annotated),
		}
	}

	initial := validated("今(いま)日(ひ)は晴(は)れ")
	if !initial.Report.Has(validate.KindCompoundReading) {
		t.Fatalf("initial issues = %v, want compound-reading-error", initial.Report.Issues)
	}

	o := correct.New(correct.Config{})
	out, err := o.Run(context.Background(), initial, resilience.NewBudget(0, 1),
		func(context.Context, correct.Candidate) (correct.Candidate, error) {
			return validated("今日(きょう)は晴(は)れ"), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Accepted {
		t.Fatalf("dictionary reading rejected: initial %d, outcome %+v", initial.Report.AccuracyScore, out)
	}
	if out.Final.Fields.Annotated != "今日(きょう)は晴(は)れ" || !out.Final.Report.IsValid {
		t.Errorf("final = %+v", out.Final)
	}
}
