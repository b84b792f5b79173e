package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/health"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/langprofile"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/pipeline"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/server"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/usage/postgres"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/pkg/provider/llm"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/pkg/provider/llm/mock"
)

const goodReply = `{"furiganaText": "今日(きょう)は晴(は)れ", "translatedText": "It is sunny today"}`

func noSleep(context.Context, time.Duration) error { return nil }

func newServer(t *testing.T, p *mock.Provider, opts ...server.Option) *httptest.Server {
	t.Helper()
	pl := pipeline.New(p, langprofile.Default(), pipeline.Config{}, pipeline.WithSleeper(noSleep))
	srv := httptest.NewServer(server.New(pl, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestAnnotate_OK(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []mock.Reply{{Content: goodReply}}}
	srv := newServer(t, p)

	resp, body := post(t, srv.URL+"/v1/annotate", `{"text": "今日は晴れ", "target_language": "en"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var res pipeline.Result
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.AnnotatedText != "今日(きょう)は晴(は)れ" || res.LanguageCode != "ja" {
		t.Errorf("result = %+v", res)
	}
	if !res.Report.IsValid {
		t.Errorf("report = %+v", res.Report)
	}
}

func TestAnnotate_ErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		p          *mock.Provider
		body       string
		wantStatus int
		wantKind   pipeline.Kind
		wantCalls  int
	}{
		{
			name:       "language mismatch",
			p:          &mock.Provider{},
			body:       `{"text": "Good morning", "target_language": "en", "source_language": "ko"}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   pipeline.KindLanguageMismatch,
		},
		{
			name:       "malformed model reply",
			p:          &mock.Provider{Script: []mock.Reply{{Content: "no json here"}, {Content: "still none"}}},
			body:       `{"text": "今日は晴れ", "target_language": "en"}`,
			wantStatus: http.StatusBadGateway,
			wantKind:   pipeline.KindMalformedResponse,
			wantCalls:  2,
		},
		{
			name:       "provider exhausted",
			p:          &mock.Provider{CompleteErr: fmt.Errorf("429: %w", llm.ErrOverloaded)},
			body:       `{"text": "今日は晴れ", "target_language": "en"}`,
			wantStatus: http.StatusServiceUnavailable,
			wantKind:   pipeline.KindProviderExhausted,
			wantCalls:  4,
		},
		{
			name:       "invalid json",
			p:          &mock.Provider{},
			body:       `{"text": `,
			wantStatus: http.StatusBadRequest,
			wantKind:   pipeline.KindInvalidRequest,
		},
		{
			name:       "unknown field",
			p:          &mock.Provider{},
			body:       `{"txt": "今日は晴れ", "target_language": "en"}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   pipeline.KindInvalidRequest,
		},
		{
			name:       "missing target",
			p:          &mock.Provider{},
			body:       `{"text": "今日は晴れ"}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   pipeline.KindInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, tt.p)

			resp, body := post(t, srv.URL+"/v1/annotate", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body = %s", resp.StatusCode, tt.wantStatus, body)
			}
			var eb struct {
				Error string        `json:"error"`
				Kind  pipeline.Kind `json:"kind"`
			}
			if err := json.Unmarshal(body, &eb); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if eb.Kind != tt.wantKind || eb.Error == "" {
				t.Errorf("error body = %+v, want kind %q", eb, tt.wantKind)
			}
			if tt.p.Calls() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", tt.p.Calls(), tt.wantCalls)
			}
			if tt.wantStatus == http.StatusServiceUnavailable && resp.Header.Get("Retry-After") == "" {
				t.Error("missing Retry-After header")
			}
		})
	}
}

func TestBatch(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: goodReply}}
	srv := newServer(t, p)

	resp, body := post(t, srv.URL+"/v1/annotate/batch", `{"requests": [
		{"text": "今日は晴れ", "target_language": "en"},
		{"text": "", "target_language": "en"}
	]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out struct {
		Items []struct {
			Result *pipeline.Result `json:"result"`
			Error  string           `json:"error"`
			Kind   pipeline.Kind    `json:"kind"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(out.Items))
	}
	if out.Items[0].Result == nil || out.Items[0].Error != "" {
		t.Errorf("item 0 = %+v, want success", out.Items[0])
	}
	if out.Items[1].Result != nil || out.Items[1].Kind != pipeline.KindInvalidRequest {
		t.Errorf("item 1 = %+v, want invalid-request", out.Items[1])
	}
}

func TestBatch_Empty(t *testing.T) {
	t.Parallel()

	srv := newServer(t, &mock.Provider{})
	resp, body := post(t, srv.URL+"/v1/annotate/batch", `{"requests": []}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestLanguages(t *testing.T) {
	t.Parallel()

	srv := newServer(t, &mock.Provider{})
	resp, err := http.Get(srv.URL + "/v1/languages")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Languages []pipeline.Language `json:"languages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, l := range out.Languages {
		if l.Code == "ja" {
			found = l.Annotated && l.Name == "Japanese"
		}
	}
	if !found {
		t.Errorf("languages = %+v, want annotated Japanese", out.Languages)
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []mock.Reply{{Content: goodReply}}}
	srv := newServer(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/annotate/stream", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, map[string]string{"text": "今日は晴れ", "target_language": "en"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	type frame struct {
		Type     string             `json:"type"`
		Progress *pipeline.Progress `json:"progress"`
		Result   *pipeline.Result   `json:"result"`
	}
	var stages []pipeline.Stage
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if f.Type == "progress" {
			stages = append(stages, f.Progress.Stage)
			continue
		}
		if f.Type != "result" || f.Result == nil {
			t.Fatalf("final frame = %+v, want a result", f)
		}
		if f.Result.TranslatedText != "It is sunny today" {
			t.Errorf("result = %+v", f.Result)
		}
		break
	}
	if len(stages) == 0 || stages[len(stages)-1] != pipeline.StageDone {
		t.Errorf("progress stages = %v, want done last", stages)
	}
}

func TestStream_Error(t *testing.T) {
	t.Parallel()

	srv := newServer(t, &mock.Provider{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/annotate/stream", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, map[string]string{"text": "Hello", "target_language": "en", "source_language": "ko"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		var f struct {
			Type string        `json:"type"`
			Kind pipeline.Kind `json:"kind"`
		}
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if f.Type == "progress" {
			continue
		}
		if f.Type != "error" || f.Kind != pipeline.KindLanguageMismatch {
			t.Errorf("final frame = %+v, want language-mismatch error", f)
		}
		return
	}
}

type fakeSummary struct {
	rows  []postgres.Summary
	err   error
	since time.Time
}

func (f *fakeSummary) Summary(_ context.Context, since time.Time) ([]postgres.Summary, error) {
	f.since = since
	return f.rows, f.err
}

func TestUsage(t *testing.T) {
	t.Parallel()

	sum := &fakeSummary{rows: []postgres.Summary{{Operation: "annotate", Language: "ja", Total: 3, Succeeded: 2}}}
	srv := newServer(t, &mock.Provider{}, server.WithUsageSummary(sum))

	resp, err := http.Get(srv.URL + "/v1/usage?window=1h")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Summary []postgres.Summary `json:"summary"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Summary) != 1 || out.Summary[0].Total != 3 {
		t.Errorf("summary = %+v", out.Summary)
	}
	if age := time.Since(sum.since); age < 59*time.Minute || age > 61*time.Minute {
		t.Errorf("since is %s ago, want about 1h", age)
	}

	bad, err := http.Get(srv.URL + "/v1/usage?window=yesterday")
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad window status = %d, want 400", bad.StatusCode)
	}
}

func TestUsage_NotConfigured(t *testing.T) {
	t.Parallel()

	srv := newServer(t, &mock.Provider{})
	resp, err := http.Get(srv.URL + "/v1/usage")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUsage_StoreError(t *testing.T) {
	t.Parallel()

	srv := newServer(t, &mock.Provider{}, server.WithUsageSummary(&fakeSummary{err: errors.New("db down")}))
	resp, err := http.Get(srv.URL + "/v1/usage")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "annotator_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	h := health.New(health.Available("llm", func() bool { return false }))
	srv := newServer(t, &mock.Provider{}, server.WithGatherer(reg), server.WithHealth(h))

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("annotator_test_total 1")) {
		t.Errorf("metrics status = %d, body = %s", resp.StatusCode, body)
	}

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusServiceUnavailable,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("%s status = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestMCPMount(t *testing.T) {
	t.Parallel()

	mcp := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := newServer(t, &mock.Provider{}, server.WithMCPHandler(mcp))

	resp, err := http.Post(srv.URL+"/mcp", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want the mounted handler", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := map[pipeline.Kind]int{
		pipeline.KindNone:                http.StatusOK,
		pipeline.KindInvalidRequest:      http.StatusBadRequest,
		pipeline.KindLanguageMismatch:    http.StatusUnprocessableEntity,
		pipeline.KindMalformedResponse:   http.StatusBadGateway,
		pipeline.KindProviderError:       http.StatusBadGateway,
		pipeline.KindProviderExhausted:   http.StatusServiceUnavailable,
		pipeline.KindProviderOverloaded:  http.StatusServiceUnavailable,
		pipeline.KindProviderUnavailable: http.StatusServiceUnavailable,
		pipeline.KindTimeout:             http.StatusGatewayTimeout,
		pipeline.KindCanceled:            http.StatusRequestTimeout,
	}
	for kind, want := range tests {
		if got := server.StatusFor(kind); got != want {
			t.Errorf("StatusFor(%q) = %d, want %d", kind, got, want)
		}
	}
}
