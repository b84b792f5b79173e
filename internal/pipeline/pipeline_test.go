package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/extract"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/langprofile"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/pipeline"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/resilience"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/usage"
	usagemock "github.com/nikolaiotsu/kanji-learning-app-sub003/internal/usage/mock"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/validate"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/pkg/provider/llm"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/pkg/provider/llm/mock"
)

const (
	sunny      = "今日は晴れ"
	sunnyGood  = "今日(きょう)は晴(は)れ"
	sunnySplit = "今(いま)日(ひ)は晴(は)れ"
)

func reply(annotated, translated string) string {
	return fmt.Sprintf(`{"furiganaText": %q, "translatedText": %q}`, annotated, translated)
}

// sleepRecorder records backoff delays without sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newPipeline(t *testing.T, p *mock.Provider, cfg pipeline.Config, opts ...pipeline.Option) *pipeline.Pipeline {
	t.Helper()
	rec := &sleepRecorder{}
	opts = append([]pipeline.Option{pipeline.WithSleeper(rec.Sleep)}, opts...)
	return pipeline.New(p, langprofile.Default(), cfg, opts...)
}

func TestProcess_CompoundMisreadingCorrected(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []mock.Reply{
		{Content: reply(sunnySplit, "It is sunny today")},
		{Content: reply(sunnyGood, "It is sunny today")},
	}}
	pl := newPipeline(t, p, pipeline.Config{})

	res, err := pl.Process(context.Background(), pipeline.Request{Text: sunny, TargetLanguage: "en"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if p.Calls() != 2 {
		t.Fatalf("calls = %d, want 2", p.Calls())
	}
	if res.AnnotatedText != sunnyGood {
		t.Errorf("AnnotatedText = %q, want %q", res.AnnotatedText, sunnyGood)
	}
	if !res.Correction.Attempted || !res.Correction.Accepted || res.Correction.Rounds != 1 {
		t.Errorf("Correction = %+v, want one accepted round", res.Correction)
	}
	if res.Correction.InitialScore >= res.Report.AccuracyScore {
		t.Errorf("score did not improve: %d -> %d", res.Correction.InitialScore, res.Report.AccuracyScore)
	}
	if res.LanguageCode != "ja" || res.SourceText != sunny {
		t.Errorf("LanguageCode = %q, SourceText = %q", res.LanguageCode, res.SourceText)
	}

	fix := p.CompleteCalls[1].Req
	if len(fix.Messages) != 3 {
		t.Fatalf("correction request has %d messages, want 3", len(fix.Messages))
	}
	if !strings.Contains(fix.Messages[1].Content, sunnySplit) {
		t.Errorf("correction does not replay the previous answer: %q", fix.Messages[1].Content)
	}
}

func TestProcess_CorrectionRejectedKeepsInitial(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []mock.Reply{
		{Content: reply(sunnySplit, "It is sunny today")},
		{Content: reply(sunnySplit, "Today is sunny")},
	}}
	pl := newPipeline(t, p, pipeline.Config{})

	res, err := pl.Process(context.Background(), pipeline.Request{Text: sunny, TargetLanguage: "en"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Correction.Accepted {
		t.Error("an equal-scoring correction must not be accepted")
	}
	if res.TranslatedText != "It is sunny today" {
		t.Errorf("TranslatedText = %q, want the initial translation", res.TranslatedText)
	}
	if !res.Report.Has(validate.KindCompoundReading) {
		t.Errorf("Report = %+v, want the initial issues", res.Report)
	}
}

func TestProcess_MalformedCorrectionKeepsInitial(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []mock.Reply{
		{Content: reply(sunnySplit, "It is sunny today")},
		{Content: "Sorry, I cannot do that."},
	}}
	pl := newPipeline(t, p, pipeline.Config{})

	res, err := pl.Process(context.Background(), pipeline.Request{Text: sunny, TargetLanguage: "en"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.AnnotatedText != sunnySplit {
		t.Errorf("AnnotatedText = %q, want the initial candidate", res.AnnotatedText)
	}
	if res.Correction.Err == "" {
		t.Error("Correction.Err is empty, want the extraction failure")
	}
}

func TestProcess_LenientReplyRecovered(t *testing.T) {
	t.Parallel()

	raw := `Here is the result: {"furiganaText": "` + sunnyGood + `", "translatedText": "It is sunny today",}`
	p := &mock.Provider{Script: []mock.Reply{{Content: raw}}}
	rec := &usagemock.Recorder{}
	pl := newPipeline(t, p, pipeline.Config{}, pipeline.WithRecorder(rec))

	res, err := pl.Process(context.Background(), pipeline.Request{Text: sunny, TargetLanguage: "en"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.AnnotatedText != sunnyGood || res.TranslatedText != "It is sunny today" {
		t.Errorf("got %q / %q", res.AnnotatedText, res.TranslatedText)
	}
	if res.Correction.Attempted {
		t.Error("a valid initial answer must not be corrected")
	}
	if p.Calls() != 1 {
		t.Errorf("calls = %d, want 1", p.Calls())
	}

	events := rec.Events()
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	if got := events[0].Metadata[usage.MetaExtractStage]; got != extract.StageStrict.String() {
		t.Errorf("extract stage = %q, want %q", got, extract.StageStrict)
	}
}

func TestProcess_ForcedLanguageMismatch(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	rec := &usagemock.Recorder{}
	pl := newPipeline(t, p, pipeline.Config{}, pipeline.WithRecorder(rec))

	_, err := pl.Process(context.Background(), pipeline.Request{
		Text:           "Good morning",
		TargetLanguage: "en",
		SourceLanguage: "ko",
	})
	if !errors.Is(err, pipeline.ErrLanguageMismatch) {
		t.Fatalf("err = %v, want ErrLanguageMismatch", err)
	}
	if p.Calls() != 0 {
		t.Errorf("calls = %d, want 0", p.Calls())
	}

	events := rec.Events()
	if len(events) != 1 || events[0].Success {
		t.Fatalf("events = %+v, want one failure", events)
	}
	if got := events[0].Metadata[usage.MetaErrorKind]; got != string(pipeline.KindLanguageMismatch) {
		t.Errorf("error kind = %q", got)
	}
}

func TestProcess_OverloadRetriedWithDoublingDelay(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []mock.Reply{
		{Err: fmt.Errorf("529: %w", llm.ErrOverloaded)},
		{Err: fmt.Errorf("529: %w", llm.ErrOverloaded)},
		{Content: reply(sunnyGood, "It is sunny today")},
	}}
	sleeps := &sleepRecorder{}
	pl := pipeline.New(p, langprofile.Default(), pipeline.Config{
		Retry: resilience.RetryConfig{InitialDelay: 100 * time.Millisecond},
	}, pipeline.WithSleeper(sleeps.Sleep))

	if _, err := pl.Process(context.Background(), pipeline.Request{Text: sunny, TargetLanguage: "en"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if p.Calls() != 3 {
		t.Fatalf("calls = %d, want 3", p.Calls())
	}
	if len(sleeps.delays) != 2 || sleeps.delays[1] != 2*sleeps.delays[0] {
		t.Errorf("delays = %v, want two with the second doubled", sleeps.delays)
	}
}

func TestProcess_ProviderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    *mock.Provider
		want pipeline.Kind
	}{
		{
			name: "overload exhausts attempts",
			p:    &mock.Provider{CompleteErr: fmt.Errorf("429: %w", llm.ErrOverloaded)},
			want: pipeline.KindProviderExhausted,
		},
		{
			name: "fatal error is not retried",
			p:    &mock.Provider{CompleteErr: errors.New("401 unauthorized")},
			want: pipeline.KindProviderError,
		},
		{
			name: "unusable reply after reformat",
			p:    &mock.Provider{Script: []mock.Reply{{Content: "I would rather not."}, {Content: "Still no."}}},
			want: pipeline.KindMalformedResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pl := newPipeline(t, tt.p, pipeline.Config{Retry: resilience.RetryConfig{MaxAttempts: 3}})

			_, err := pl.Process(context.Background(), pipeline.Request{Text: sunny, TargetLanguage: "en"})
			if got := pipeline.KindOf(err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", err, got, tt.want)
			}
		})
	}
}

func TestProcess_UnreadableInitialReplyReformatted(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []mock.Reply{
		{Content: "Sorry, I cannot produce JSON right now."},
		{Content: reply(sunnyGood, "It is sunny today")},
	}}
	pl := newPipeline(t, p, pipeline.Config{CorrectionBudget: 2})

	res, err := pl.Process(context.Background(), pipeline.Request{Text: sunny, TargetLanguage: "en"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if p.Calls() != 2 {
		t.Fatalf("calls = %d, want 2", p.Calls())
	}
	if res.AnnotatedText != sunnyGood {
		t.Errorf("AnnotatedText = %q, want %q", res.AnnotatedText, sunnyGood)
	}
	c := res.Correction
	if !c.Attempted || !c.Accepted || !c.Reformatted || c.Rounds != 1 {
		t.Errorf("Correction = %+v, want one accepted reformat round", c)
	}

	msgs := p.CompleteCalls[1].Req.Messages
	if len(msgs) != 3 || msgs[1].Content != "Sorry, I cannot produce JSON right now." {
		t.Errorf("reformat request messages = %+v", msgs)
	}
}

func TestProcess_UnreadableInitialReplyWithoutBudget(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []mock.Reply{
		{Content: "Sorry, I cannot produce JSON right now."},
		{Content: reply(sunnyGood, "It is sunny today")},
	}}
	pl := newPipeline(t, p, pipeline.Config{CorrectionBudget: -1})

	_, err := pl.Process(context.Background(), pipeline.Request{Text: sunny, TargetLanguage: "en"})
	if !errors.Is(err, extract.ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
	if p.Calls() != 1 {
		t.Errorf("calls = %d, want 1", p.Calls())
	}
}

func TestProcess_ExhaustedAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteErr: fmt.Errorf("429: %w", llm.ErrOverloaded)}
	pl := newPipeline(t, p, pipeline.Config{Retry: resilience.RetryConfig{MaxAttempts: 3}})

	_, err := pl.Process(context.Background(), pipeline.Request{Text: sunny, TargetLanguage: "en"})
	if !errors.Is(err, resilience.ErrProviderExhausted) {
		t.Fatalf("err = %v, want ErrProviderExhausted", err)
	}
	if p.Calls() != 3 {
		t.Errorf("calls = %d, want 3", p.Calls())
	}
}

func TestProcess_InvalidRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  pipeline.Request
	}{
		{"empty text", pipeline.Request{Text: "", TargetLanguage: "en"}},
		{"blank text", pipeline.Request{Text: " \n\t", TargetLanguage: "en"}},
		{"no target", pipeline.Request{Text: sunny}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &mock.Provider{}
			pl := newPipeline(t, p, pipeline.Config{})

			_, err := pl.Process(context.Background(), tt.req)
			if !errors.Is(err, pipeline.ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
			if p.Calls() != 0 {
				t.Errorf("calls = %d, want 0", p.Calls())
			}
		})
	}
}

func TestProcess_UnannotatedLanguageEchoesSource(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []mock.Reply{{Content: `{"translatedText": "Good morning"}`}}}
	pl := newPipeline(t, p, pipeline.Config{})

	res, err := pl.Process(context.Background(), pipeline.Request{
		Text:           "Bonjour à tous",
		TargetLanguage: "en",
		SourceLanguage: "fr",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.AnnotatedText != "Bonjour à tous" {
		t.Errorf("AnnotatedText = %q, want the source text", res.AnnotatedText)
	}
	if !res.Report.IsValid || res.Report.AccuracyScore != 100 {
		t.Errorf("Report = %+v, want valid", res.Report)
	}
}

func TestProcess_RequestShape(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		Script:            []mock.Reply{{Content: reply(sunnyGood, "It is sunny today")}},
		ModelCapabilities: llm.ModelCapabilities{MaxOutputTokens: 1000},
	}
	pl := newPipeline(t, p, pipeline.Config{MaxOutputTokens: 8000})

	if _, err := pl.Process(context.Background(), pipeline.Request{Text: sunny, TargetLanguage: "en"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	req := p.CompleteCalls[0].Req
	if req.MaxTokens != 1000 {
		t.Errorf("MaxTokens = %d, want the provider limit 1000", req.MaxTokens)
	}
	if req.Temperature != 0 {
		t.Errorf("Temperature = %v, want 0", req.Temperature)
	}
	if !strings.Contains(req.Messages[len(req.Messages)-1].Content, sunny) {
		t.Error("prompt does not carry the source text")
	}
}

func TestProcess_ProgressStages(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []mock.Reply{
		{Content: reply(sunnySplit, "It is sunny today")},
		{Content: reply(sunnyGood, "It is sunny today")},
	}}
	pl := newPipeline(t, p, pipeline.Config{})

	var stages []pipeline.Stage
	_, err := pl.Process(context.Background(), pipeline.Request{
		Text:           sunny,
		TargetLanguage: "en",
		Progress:       func(pr pipeline.Progress) { stages = append(stages, pr.Stage) },
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if stages[0] != pipeline.StageDetect || stages[len(stages)-1] != pipeline.StageDone {
		t.Errorf("stages = %v, want detect first and done last", stages)
	}
	seen := map[pipeline.Stage]bool{}
	for _, s := range stages {
		seen[s] = true
	}
	for _, s := range []pipeline.Stage{pipeline.StageRequest, pipeline.StageExtract, pipeline.StageValidate, pipeline.StageCorrect} {
		if !seen[s] {
			t.Errorf("stage %q never reported", s)
		}
	}
}

func TestProcess_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &mock.Provider{CompleteErr: context.Canceled}
	pl := newPipeline(t, p, pipeline.Config{})

	_, err := pl.Process(ctx, pipeline.Request{Text: sunny, TargetLanguage: "en"})
	if got := pipeline.KindOf(err); got != pipeline.KindCanceled {
		t.Errorf("KindOf(%v) = %q, want canceled", err, got)
	}
}

func TestSetRegistry(t *testing.T) {
	t.Parallel()

	pl := newPipeline(t, &mock.Provider{}, pipeline.Config{})
	before := len(pl.Languages())

	reg, err := langprofile.NewRegistry(langprofile.Default().Resolve("ja"))
	if err != nil {
		t.Fatal(err)
	}
	pl.SetRegistry(reg)

	langs := pl.Languages()
	if len(langs) != 1 || langs[0].Code != "ja" || !langs[0].Annotated {
		t.Errorf("Languages() = %+v, want only ja", langs)
	}
	if before <= 1 {
		t.Errorf("default registry has %d languages", before)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want pipeline.Kind
	}{
		{nil, pipeline.KindNone},
		{fmt.Errorf("x: %w", pipeline.ErrInvalidRequest), pipeline.KindInvalidRequest},
		{pipeline.ErrLanguageMismatch, pipeline.KindLanguageMismatch},
		{fmt.Errorf("wrap: %w", extract.ErrMalformedResponse), pipeline.KindMalformedResponse},
		{fmt.Errorf("%w after 4 attempts: %w", resilience.ErrProviderExhausted, llm.ErrOverloaded), pipeline.KindProviderExhausted},
		{llm.ErrOverloaded, pipeline.KindProviderOverloaded},
		{context.Canceled, pipeline.KindCanceled},
		{context.DeadlineExceeded, pipeline.KindTimeout},
		{resilience.ErrCircuitOpen, pipeline.KindProviderUnavailable},
		{errors.New("boom"), pipeline.KindProviderError},
	}
	for _, tt := range tests {
		if got := pipeline.KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
