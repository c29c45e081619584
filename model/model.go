package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Message is one turn of the conversation sent to a model.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request captures the normalized model input produced by the engine.
type Request struct {
	Instructions string    `json:"instructions,omitempty"` // System instructions for the model
	Messages     []Message `json:"messages"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	Stream       bool      `json:"stream,omitempty"`
}

// Prompt returns the content of the last user message.
func (r Request) Prompt() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Response is a (partial or final) chunk emitted by a model.
type Response struct {
	ID           string      `json:"id"`
	Partial      bool        `json:"partial"` // Indicates if this is a partial response
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason"` // "stop", "length", etc.
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "gemini", "mock"
}

// Model is the minimal interface required by the engine to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Completion is the drained result of a Generate call.
type Completion struct {
	Text         string
	FinishReason string
	Usage        TokenUsage
}

// ErrEmptyCompletion is returned by Complete when the model produced no final response.
var ErrEmptyCompletion = errors.New("model returned no final response")

// Complete drains a Generate call and returns the final text. Partial chunks
// are concatenated when no final response carries text.
func Complete(ctx context.Context, m Model, req Request) (Completion, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		out      Completion
		partial  strings.Builder
		gotFinal bool
	)
	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if r.Usage != nil {
				out.Usage = out.Usage.Add(*r.Usage)
			}
			if r.Partial {
				partial.WriteString(r.Text)
				continue
			}
			gotFinal = true
			out.Text = r.Text
			out.FinishReason = r.FinishReason
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return Completion{}, err
			}
		}
	}
	if !gotFinal {
		if partial.Len() == 0 {
			return Completion{}, ErrEmptyCompletion
		}
		out.Text = partial.String()
	}
	if out.Text == "" && partial.Len() > 0 {
		out.Text = partial.String()
	}
	return out, nil
}

// MockModel is a lightweight in‑memory Model useful for tests & examples.
// Replies are chosen by exact prompt match first, then by the first rule
// whose substring occurs in the prompt, then the fallback.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	rules     []mockRule
	fallback  func(prompt string) string
	delay     time.Duration
	gate      chan struct{}
	requests  []Request
}

type mockRule struct {
	contains string
	reply    string
	err      error
}

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider},
		responses: make(map[string]string),
		fallback:  func(p string) string { return fmt.Sprintf("Mock response to: %s", p) },
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// When registers a reply for prompts containing substr.
func (m *MockModel) When(substr, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{contains: substr, reply: response})
}

// FailWhen makes prompts containing substr fail with err.
func (m *MockModel) FailWhen(substr string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{contains: substr, err: err})
}

// SetFallback replaces the reply used when nothing else matches.
func (m *MockModel) SetFallback(fn func(prompt string) string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
}

// SetDelay delays every reply by d, honouring context cancellation.
func (m *MockModel) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Hold blocks every subsequent Generate call until Release is called.
func (m *MockModel) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
}

// Release unblocks calls waiting because of Hold.
func (m *MockModel) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// Requests returns a copy of every request received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Calls returns the number of Generate calls received so far.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockModel) resolve(prompt string) (string, error) {
	if r, ok := m.responses[prompt]; ok {
		return r, nil
	}
	for _, rule := range m.rules {
		if strings.Contains(prompt, rule.contains) {
			return rule.reply, rule.err
		}
	}
	return m.fallback(prompt), nil
}

// Generate implements Model; emits optional streaming char chunks then final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	gate, delay := m.gate, m.delay
	full, failure := m.resolve(req.Prompt())
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)
		if len(req.Messages) == 0 {
			errCh <- fmt.Errorf("no messages provided")
			return
		}
		if gate != nil {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-gate:
			}
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-t.C:
			}
		}
		if failure != nil {
			errCh <- failure
			return
		}
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
				}
			}
		}
		words := len(strings.Fields(full))
		respCh <- Response{
			Text:         full,
			FinishReason: "stop",
			Usage:        &TokenUsage{PromptTokens: len(strings.Fields(req.Prompt())), CompletionTokens: words, TotalTokens: len(strings.Fields(req.Prompt())) + words},
		}
	}()
	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
