// Package pipeline composes the annotation stages into one invocation:
// resolve the source language, ask the model, extract and validate its
// answer, and run the bounded correction loop when validation fails.
//
// A [Pipeline] is built once and shared. Each call to [Pipeline.Process] is
// an independent sequential chain with its own retry and correction budget;
// the only shared state is the read-only language registry (swappable as a
// whole via [Pipeline.SetRegistry]) and goroutine-safe telemetry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/correct"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/extract"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/langprofile"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/observe"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/prompt"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/resilience"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/script"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/usage"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/validate"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/pkg/provider/llm"
)

// Defaults applied by [New].
const (
	DefaultProviderRetryBudget = 6
	DefaultBatchConcurrency    = 4
)

// Stage names a step reported through [Request.Progress].
type Stage string

// Progress stages in the order they occur.
const (
	StageDetect   Stage = "detect"
	StageRequest  Stage = "request"
	StageExtract  Stage = "extract"
	StageValidate Stage = "validate"
	StageCorrect  Stage = "correct"
	StageDone     Stage = "done"
)

// Progress is one step report.
type Progress struct {
	Stage   Stage  `json:"stage"`
	Attempt int    `json:"attempt,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Request is one annotation job.
type Request struct {
	// Text is the source text. It is never modified.
	Text string

	// TargetLanguage is the translation language code.
	TargetLanguage string

	// SourceLanguage, when set, overrides detection. It must match the
	// script of Text or the request fails with ErrLanguageMismatch.
	SourceLanguage string

	// Progress, if non-nil, receives step reports synchronously.
	Progress func(Progress)
}

// Correction tells the caller what the correction loop did.
type Correction struct {
	Attempted bool `json:"attempted"`
	Accepted  bool `json:"accepted"`

	// Reformatted is set when the first reply could not be read and a
	// correction retry was spent asking for the JSON object again.
	Reformatted bool `json:"reformatted,omitempty"`

	// Rounds counts corrective requests, including a reformat request.
	Rounds int `json:"rounds"`

	// InitialScore is the score of the first readable candidate.
	InitialScore int    `json:"initial_score"`
	Err          string `json:"error,omitempty"`
}

// Result is the outcome of a successful invocation. It may still carry
// validation issues: an imperfect annotation is returned with its report
// rather than withheld.
type Result struct {
	SourceText     string          `json:"source_text"`
	AnnotatedText  string          `json:"annotated_text"`
	TranslatedText string          `json:"translated_text"`
	LanguageCode   string          `json:"language_code"`
	TargetLanguage string          `json:"target_language"`
	Report         validate.Report `json:"report"`
	Correction     Correction      `json:"correction"`
}

// Config tunes a [Pipeline].
type Config struct {
	// Retry configures provider backoff.
	Retry resilience.RetryConfig

	// ProviderRetryBudget caps retries across all calls of one invocation.
	// Default: 6.
	ProviderRetryBudget int

	// Correction configures the correction loop.
	Correction correct.Config

	// CorrectionBudget caps corrective re-queries per invocation, including
	// a reformat request after an unreadable first reply. Zero means
	// Correction.MaxRounds, or 1; negative disables corrective requests.
	CorrectionBudget int

	// MaxOutputTokens caps every reply. It is lowered to the provider's own
	// limit when that is smaller. Zero means prompt.DefaultMaxTokens.
	MaxOutputTokens int

	// CoverageThreshold overrides the validator's coverage threshold when > 0.
	CoverageThreshold float64

	// BatchConcurrency bounds ProcessBatch. Default: 4.
	BatchConcurrency int
}

// Option customises a [Pipeline].
type Option func(*Pipeline)

// WithRecorder sets the usage recorder. Default: usage.Nop.
func WithRecorder(r usage.Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSleeper replaces the backoff timer, typically in tests.
func WithSleeper(s resilience.Sleeper) Option {
	return func(p *Pipeline) { p.sleeper = s }
}

// Pipeline runs annotation invocations. It is safe for concurrent use.
type Pipeline struct {
	provider llm.Provider
	registry atomic.Pointer[langprofile.Registry]
	cfg      Config
	builder  prompt.Builder
	recorder usage.Recorder
	metrics  *observe.Metrics
	sleeper  resilience.Sleeper
}

// New creates a [Pipeline]. Zero-valued fields of cfg take their defaults.
func New(provider llm.Provider, registry *langprofile.Registry, cfg Config, opts ...Option) *Pipeline {
	if cfg.ProviderRetryBudget <= 0 {
		cfg.ProviderRetryBudget = DefaultProviderRetryBudget
	}
	if cfg.CorrectionBudget == 0 {
		cfg.CorrectionBudget = max(cfg.Correction.MaxRounds, correct.DefaultMaxRounds)
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}

	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = prompt.DefaultMaxTokens
	}
	if limit := provider.Capabilities().MaxOutputTokens; limit > 0 && limit < maxTokens {
		maxTokens = limit
	}

	p := &Pipeline{
		provider: provider,
		cfg:      cfg,
		builder:  prompt.Builder{MaxTokens: maxTokens},
		recorder: usage.Nop{},
	}
	p.registry.Store(registry)
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Registry returns the language registry in use.
func (p *Pipeline) Registry() *langprofile.Registry {
	return p.registry.Load()
}

// SetRegistry atomically replaces the language registry. Invocations already
// running keep the registry they started with.
func (p *Pipeline) SetRegistry(r *langprofile.Registry) {
	p.registry.Store(r)
}

// invocation carries the per-call state of one Process.
type invocation struct {
	p       *Pipeline
	req     Request
	profile *langprofile.Profile
	spec    validate.Spec
	job     prompt.Job
	opts    extract.Options
	echo    bool
	budget  *resilience.Budget
	retrier *resilience.Retrier
	calls   int

	// lastReply is the raw content of the most recent provider reply.
	lastReply string

	// stage is the extractor stage of the last usable reply.
	stage extract.Stage
}

// Process runs one invocation. It returns either a Result, possibly with
// validation issues, or a single error classified by [KindOf].
func (p *Pipeline) Process(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "pipeline.process")
	p.metrics.ActiveRequests.Add(ctx, 1)

	var (
		language string
		inv      *invocation
	)
	defer func() {
		p.metrics.ActiveRequests.Add(ctx, -1)
		stage := extract.Stage(0)
		if inv != nil {
			stage = inv.stage
		}
		p.finish(ctx, req, language, stage, res, err, time.Since(start))
		observe.EndSpan(span, err)
	}()

	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: text is empty", ErrInvalidRequest)
	}
	target := langprofile.Canonical(req.TargetLanguage)
	if target == "" {
		return nil, fmt.Errorf("%w: target language is required", ErrInvalidRequest)
	}

	reg := p.registry.Load()
	emit(req, Progress{Stage: StageDetect})
	language = langprofile.Canonical(script.Resolve(req.Text, req.SourceLanguage))
	profile := reg.Resolve(language)
	span.SetAttributes(observe.Attr("language", language), observe.Attr("target_language", target))

	if req.SourceLanguage != "" && !profile.Matches(req.Text) {
		return nil, fmt.Errorf("%w: text contains no %s script", ErrLanguageMismatch, reg.DisplayName(language))
	}
	emit(req, Progress{Stage: StageDetect, Detail: language})

	inv = p.newInvocation(ctx, req, reg, profile, language, target)

	initial, err := inv.ask(ctx, "initial", p.builder.Initial(inv.job))
	reformatted := false
	if errors.Is(err, extract.ErrMalformedResponse) && inv.budget.SpendCorrection() {
		// An unreadable reply has no report to correct against; ask once
		// more for the bare object, paid from the correction budget.
		reformatted = true
		emit(req, Progress{Stage: StageCorrect, Attempt: 1, Detail: "reformat"})
		initial, err = inv.ask(ctx, "reformat", p.builder.Reformat(inv.job, inv.lastReply))
		result := "accepted"
		if err != nil {
			result = "failed"
		}
		p.metrics.RecordCorrection(ctx, language, result)
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: initial request: %w", err)
	}

	final := initial
	var outcome correct.Outcome
	if !initial.Report.IsValid {
		orch := correct.New(p.cfg.Correction, correct.WithRoundHook(func(r correct.Round) {
			p.metrics.RecordCorrection(ctx, language, roundResult(r))
			emit(req, Progress{Stage: StageCorrect, Attempt: r.N, Detail: roundResult(r)})
		}))
		outcome, err = orch.Run(ctx, initial, inv.budget, func(ctx context.Context, cur correct.Candidate) (correct.Candidate, error) {
			return inv.ask(ctx, "correction", p.builder.Correction(inv.job, cur.Fields, cur.Report))
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: correction: %w", err)
		}
		final = outcome.Final
	}

	res = &Result{
		SourceText:     req.Text,
		AnnotatedText:  final.Fields.Annotated,
		TranslatedText: final.Fields.Translated,
		LanguageCode:   language,
		TargetLanguage: target,
		Report:         final.Report,
		Correction: Correction{
			Attempted:    outcome.Attempted || reformatted,
			Accepted:     outcome.Accepted || reformatted,
			Reformatted:  reformatted,
			Rounds:       outcome.Rounds,
			InitialScore: initial.Report.AccuracyScore,
		},
	}
	if reformatted {
		res.Correction.Rounds++
	}
	if outcome.Err != nil {
		res.Correction.Err = outcome.Err.Error()
	}
	if !profile.RequiresAnnotation() && !final.Fields.HasAnnotation {
		res.AnnotatedText = req.Text
	}
	emit(req, Progress{Stage: StageDone, Detail: strconv.Itoa(final.Report.AccuracyScore)})
	return res, nil
}

func (p *Pipeline) newInvocation(ctx context.Context, req Request, reg *langprofile.Registry, profile *langprofile.Profile, language, target string) *invocation {
	spec := profile.Spec()
	if p.cfg.CoverageThreshold > 0 {
		spec.CoverageThreshold = p.cfg.CoverageThreshold
	}
	sourceName := reg.DisplayName(language)
	if language == script.Unknown {
		sourceName = "an undetermined language"
	}
	inv := &invocation{
		p:       p,
		req:     req,
		profile: profile,
		spec:    spec,
		job:     prompt.Job{Text: req.Text, Source: profile, SourceName: sourceName, TargetName: reg.DisplayName(target)},
		opts:    extract.Options{AnnotationOptional: !profile.RequiresAnnotation()},
		echo:    target != language,
		budget:  resilience.NewBudget(p.cfg.ProviderRetryBudget, p.cfg.CorrectionBudget),
	}
	retryOpts := []resilience.RetryOption{
		resilience.WithRetryHook(func(attempt int, delay time.Duration, _ error) {
			p.metrics.ProviderRetries.Add(ctx, 1)
			emit(req, Progress{Stage: StageRequest, Attempt: inv.calls, Detail: "overloaded, retrying in " + delay.String()})
		}),
	}
	if p.sleeper != nil {
		retryOpts = append(retryOpts, resilience.WithSleeper(p.sleeper))
	}
	inv.retrier = resilience.NewRetrier(p.cfg.Retry, retryOpts...)
	return inv
}

// ask sends one logical request, with retries, and returns the extracted and
// validated candidate.
func (inv *invocation) ask(ctx context.Context, purpose string, creq llm.CompletionRequest) (correct.Candidate, error) {
	p := inv.p
	resp, err := resilience.Call(ctx, inv.retrier, inv.budget, func(ctx context.Context) (*llm.CompletionResponse, error) {
		inv.calls++
		emit(inv.req, Progress{Stage: StageRequest, Attempt: inv.calls, Detail: purpose})
		t0 := time.Now()
		r, err := p.provider.Complete(ctx, creq)
		p.metrics.RecordProviderCall(ctx, purpose, callStatus(err), time.Since(t0))
		if err == nil && r == nil {
			err = errors.New("pipeline: provider returned no response")
		}
		return r, err
	})
	if err != nil {
		return correct.Candidate{}, err
	}

	inv.lastReply = resp.Content
	emit(inv.req, Progress{Stage: StageExtract, Attempt: inv.calls})
	fields, err := extract.Extract(resp.Content, inv.opts)
	if err != nil {
		observe.Logger(ctx).Warn("unusable model reply",
			"purpose", purpose,
			"reply_len", len(resp.Content),
			"err", err)
		return correct.Candidate{}, err
	}
	p.metrics.RecordExtractStage(ctx, fields.Stage.String())
	inv.stage = fields.Stage

	report := validate.Check(inv.spec, validate.Input{
		Original:   inv.req.Text,
		Annotated:  fields.Annotated,
		Translated: fields.Translated,
		CheckEcho:  inv.echo,
	})
	emit(inv.req, Progress{Stage: StageValidate, Attempt: inv.calls, Detail: strconv.Itoa(report.AccuracyScore)})
	return correct.Candidate{Fields: fields, Report: report}, nil
}

// finish records telemetry and the usage event of a completed invocation.
// Recording failures are logged and never reach the caller.
func (p *Pipeline) finish(ctx context.Context, req Request, language string, stage extract.Stage, res *Result, err error, d time.Duration) {
	kind := KindOf(err)
	p.metrics.RecordPipeline(ctx, language, string(kind), d)

	meta := map[string]string{
		usage.MetaLanguage:       language,
		usage.MetaTargetLanguage: langprofile.Canonical(req.TargetLanguage),
	}
	if res != nil {
		kinds := make([]string, len(res.Report.Issues))
		for i, is := range res.Report.Issues {
			kinds[i] = string(is.Kind)
		}
		p.metrics.RecordValidation(ctx, language, res.Report.AccuracyScore, kinds)
		meta[usage.MetaScore] = strconv.Itoa(res.Report.AccuracyScore)
		meta[usage.MetaCorrected] = strconv.FormatBool(res.Correction.Accepted)
	}
	if stage != 0 {
		meta[usage.MetaExtractStage] = stage.String()
	}
	if kind != KindNone {
		meta[usage.MetaErrorKind] = string(kind)
	}

	// The event is recorded even when the caller has gone away.
	rctx := context.WithoutCancel(ctx)
	if rerr := p.recorder.Record(rctx, usage.Event{
		Operation:      usage.OpAnnotate,
		Success:        err == nil,
		ProcessingTime: d,
		Metadata:       meta,
	}); rerr != nil {
		observe.Logger(ctx).Warn("usage recording failed", "err", rerr)
	}

	if err != nil {
		observe.Logger(ctx).Info("annotation failed",
			"language", language,
			"kind", string(kind),
			"duration", d,
			"err", err)
		return
	}
	observe.Logger(ctx).Debug("annotation complete",
		"language", language,
		"score", res.Report.AccuracyScore,
		"corrected", res.Correction.Accepted,
		"duration", d)
}

func emit(req Request, pr Progress) {
	if req.Progress != nil {
		req.Progress(pr)
	}
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, llm.ErrOverloaded):
		return "overloaded"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func roundResult(r correct.Round) string {
	switch {
	case r.Err != nil:
		return "failed"
	case r.Accepted:
		return "accepted"
	default:
		return "rejected"
	}
}

// Languages returns the registered source languages ordered by code.
func (p *Pipeline) Languages() []Language {
	profiles := p.registry.Load().Profiles()
	out := make([]Language, len(profiles))
	for i, pr := range profiles {
		out[i] = Language{
			Code:        pr.Code,
			Name:        pr.Name,
			Annotated:   pr.RequiresAnnotation(),
			ReadingName: pr.ReadingName,
		}
	}
	return out
}

// Language describes one supported source language.
type Language struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Annotated   bool   `json:"annotated"`
	ReadingName string `json:"reading_name,omitempty"`
}
