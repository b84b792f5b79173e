// Package mcpserver exposes the annotation pipeline as Model Context
// Protocol tools, so agents can call it directly:
//
//   - annotate_text: annotate and translate one text
//   - list_languages: the supported source languages
//
// The same tool set is served over stdio ([Server.Run]) or mounted as a
// streamable-HTTP endpoint ([Server.HTTPHandler]).
package mcpserver

import (
	"context"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/observe"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/pipeline"
)

// Tool names.
const (
	ToolAnnotate      = "annotate_text"
	ToolListLanguages = "list_languages"
)

// Server builds MCP servers backed by one pipeline.
type Server struct {
	pipeline *pipeline.Pipeline
	metrics  *observe.Metrics
	version  string
}

// Option customises a [Server].
type Option func(*Server)

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithVersion sets the implementation version reported to clients.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a [Server] for p.
func New(p *pipeline.Pipeline, opts ...Option) *Server {
	s := &Server{pipeline: p, version: "dev"}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// MCP returns a new SDK server with every tool registered.
func (s *Server) MCP() *mcpsdk.Server {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "annotator", Version: s.version}, nil)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name: ToolAnnotate,
		Description: "Annotate text with pronunciation readings placed in parentheses after each word " +
			"(furigana, pinyin, romanization) and translate it. The source language is detected " +
			"from the script unless source_language is given.",
	}, s.annotate)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        ToolListLanguages,
		Description: "List the supported source languages and whether each receives reading annotations.",
	}, s.listLanguages)

	return srv
}

// Run serves the tools over stdin/stdout until ctx is cancelled or the
// client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.MCP().Run(ctx, &mcpsdk.StdioTransport{})
}

// HTTPHandler serves the tools over the streamable-HTTP transport.
func (s *Server) HTTPHandler() http.Handler {
	srv := s.MCP()
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return srv }, nil)
}

// AnnotateInput is the argument object of annotate_text.
type AnnotateInput struct {
	Text           string `json:"text" jsonschema:"the text to annotate"`
	TargetLanguage string `json:"target_language" jsonschema:"ISO 639-1 code of the translation language, e.g. en"`
	SourceLanguage string `json:"source_language,omitempty" jsonschema:"ISO 639-1 code of the source language; detected when omitted"`
}

// Issue is one validation defect in AnnotateOutput.
type Issue struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// AnnotateOutput is the structured result of annotate_text.
type AnnotateOutput struct {
	AnnotatedText  string  `json:"annotated_text"`
	TranslatedText string  `json:"translated_text"`
	LanguageCode   string  `json:"language_code"`
	AccuracyScore  int     `json:"accuracy_score"`
	Valid          bool    `json:"valid"`
	Corrected      bool    `json:"corrected"`
	Issues         []Issue `json:"issues"`
}

func (s *Server) annotate(ctx context.Context, _ *mcpsdk.CallToolRequest, in AnnotateInput) (*mcpsdk.CallToolResult, AnnotateOutput, error) {
	res, err := s.pipeline.Process(ctx, pipeline.Request{
		Text:           in.Text,
		TargetLanguage: in.TargetLanguage,
		SourceLanguage: in.SourceLanguage,
	})
	if err != nil {
		s.metrics.RecordToolCall(ctx, ToolAnnotate, string(pipeline.KindOf(err)))
		return nil, AnnotateOutput{}, err
	}
	s.metrics.RecordToolCall(ctx, ToolAnnotate, "ok")

	out := AnnotateOutput{
		AnnotatedText:  res.AnnotatedText,
		TranslatedText: res.TranslatedText,
		LanguageCode:   res.LanguageCode,
		AccuracyScore:  res.Report.AccuracyScore,
		Valid:          res.Report.IsValid,
		Corrected:      res.Correction.Accepted,
		Issues:         make([]Issue, 0, len(res.Report.Issues)),
	}
	for _, is := range res.Report.Issues {
		out.Issues = append(out.Issues, Issue{Kind: string(is.Kind), Description: is.Description})
	}
	return nil, out, nil
}

// ListLanguagesOutput is the structured result of list_languages.
type ListLanguagesOutput struct {
	Languages []pipeline.Language `json:"languages"`
}

func (s *Server) listLanguages(ctx context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, ListLanguagesOutput, error) {
	s.metrics.RecordToolCall(ctx, ToolListLanguages, "ok")
	return nil, ListLanguagesOutput{Languages: s.pipeline.Languages()}, nil
}
