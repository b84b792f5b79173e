// Package prompt builds the LLM requests of the annotation pipeline: the
// initial annotate-and-translate request and the issue-targeted correction
// request that follows a failed validation.
//
// All requests are sent at temperature 0 so that a corrective candidate is
// comparable with the one it tries to replace.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/extract"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/langprofile"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/validate"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/pkg/provider/llm"
)

// DefaultMaxTokens caps the reply length when the Builder does not set one.
const DefaultMaxTokens = 4096

const systemTemplate = `You are a precise language-learning assistant.

You receive a text written in %s. %s

Rules:
- Reproduce the source text exactly, changing nothing but the inserted readings.
- Translate the meaning faithfully into %s. Do not copy the source text as the translation.
- Do not explain your answer.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
%s`

const translateOnly = "Translate it. No reading annotation is needed."

const correctionTemplate = `Your previous answer has the following problems:
%s
Fix exactly these problems and keep everything that was already correct.
Respond again with ONLY the JSON object in the same format.`

const reformatMessage = `Your previous answer could not be read as the requested JSON object.
Answer the original request again and respond with ONLY the JSON object, no markdown and no prose.`

// maxEchoedReply bounds how much of an unreadable reply is sent back.
const maxEchoedReply = 2000

// Job is one annotation request.
type Job struct {
	// Text is the source text, passed through unchanged.
	Text string

	// Source is the profile of the effective source language.
	Source *langprofile.Profile

	// SourceName overrides Source.Name in the prompt.
	SourceName string

	// TargetName is the display name of the translation language.
	TargetName string
}

// Builder renders Jobs into completion requests.
type Builder struct {
	// MaxTokens caps every reply. Zero means DefaultMaxTokens.
	MaxTokens int
}

// Initial returns the first request for job.
func (b Builder) Initial(job Job) llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: System(job),
		Messages:     []llm.Message{{Role: "user", Content: job.Text}},
		Temperature:  0,
		MaxTokens:    b.maxTokens(),
	}
}

// Correction returns a follow-up request that shows the model its previous
// answer and lists the validator's findings.
func (b Builder) Correction(job Job, previous extract.Fields, report validate.Report) llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: System(job),
		Messages: []llm.Message{
			{Role: "user", Content: job.Text},
			{Role: "assistant", Content: Schema(job.Source.RequiresAnnotation(), previous.Annotated, previous.Translated)},
			{Role: "user", Content: Feedback(report)},
		},
		Temperature: 0,
		MaxTokens:   b.maxTokens(),
	}
}

// Reformat returns a follow-up request for a reply that could not be
// parsed at all. The unreadable reply, cut to a bounded length, is shown
// back to the model as its own turn.
func (b Builder) Reformat(job Job, previous string) llm.CompletionRequest {
	if len(previous) > maxEchoedReply {
		cut := maxEchoedReply
		for cut > 0 && !utf8.RuneStart(previous[cut]) {
			cut--
		}
		previous = previous[:cut]
	}
	msgs := []llm.Message{{Role: "user", Content: job.Text}}
	if strings.TrimSpace(previous) != "" {
		msgs = append(msgs, llm.Message{Role: "assistant", Content: previous})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: reformatMessage})
	return llm.CompletionRequest{
		SystemPrompt: System(job),
		Messages:     msgs,
		Temperature:  0,
		MaxTokens:    b.maxTokens(),
	}
}

func (b Builder) maxTokens() int {
	if b.MaxTokens > 0 {
		return b.MaxTokens
	}
	return DefaultMaxTokens
}

// System renders the system prompt for job.
func System(job Job) string {
	p := job.Source
	guidance := translateOnly
	if p.RequiresAnnotation() {
		guidance = p.Instructions
		if guidance == "" {
			guidance = fmt.Sprintf("Put the %s reading in parentheses directly after every %s word.", p.ReadingName, p.Name)
		}
	}
	name := job.SourceName
	if name == "" {
		name = p.Name
	}
	example := Schema(p.RequiresAnnotation(), "<source text with readings>", "<translation>")
	return fmt.Sprintf(systemTemplate, name, guidance, job.TargetName, example)
}

// Feedback renders the correction message for report. Issues come first,
// followed by any suggestion not already stated by an issue.
func Feedback(report validate.Report) string {
	var sb strings.Builder
	seen := map[string]struct{}{}
	for _, is := range report.Issues {
		sb.WriteString("- ")
		sb.WriteString(is.Description)
		if is.Suggestion != "" {
			sb.WriteString(" Fix: ")
			sb.WriteString(is.Suggestion)
			seen[is.Suggestion] = struct{}{}
		}
		sb.WriteByte('\n')
	}
	for _, s := range report.Suggestions {
		if _, dup := seen[s]; dup {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(s)
		sb.WriteByte('\n')
	}
	return fmt.Sprintf(correctionTemplate, sb.String())
}

// Schema renders the reply object with the canonical field names.
func Schema(withAnnotation bool, annotated, translated string) string {
	fields := map[string]string{extract.DefaultTranslatedKeys[0]: translated}
	if withAnnotation {
		fields[extract.DefaultAnnotatedKeys[0]] = annotated
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// A map of strings always encodes.
	_ = enc.Encode(fields)
	return strings.TrimSuffix(buf.String(), "\n")
}
