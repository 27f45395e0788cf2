package label

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/contentid/pkg/provider/llm"
)

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 24
	// postRunes caps each sample post in the prompt.
	postRunes = 500
	// runesPerToken is a rough conversion used to fit the prompt into the
	// model's context window.
	runesPerToken = 3
)

const systemPrompt = `You name groups of near-duplicate social media posts.

You receive a few posts that say roughly the same thing. Reply with a short
label of two to six words that describes their shared content.

Rules:
- Reply with the label only. No quotes, no punctuation at the end, no explanation.
- Use the language of the posts.
- Do not invent details that are not in the posts.`

// LLMDelegate implements [Delegate] with a completion model.
type LLMDelegate struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
}

var _ Delegate = (*LLMDelegate)(nil)

// LLMOption is a functional option for [LLMDelegate].
type LLMOption func(*LLMDelegate)

// WithTemperature sets the sampling temperature. Default: 0.2.
func WithTemperature(t float64) LLMOption {
	return func(d *LLMDelegate) { d.temperature = t }
}

// WithMaxTokens caps the completion length. Default: 24.
func WithMaxTokens(n int) LLMOption {
	return func(d *LLMDelegate) { d.maxTokens = n }
}

// NewLLMDelegate returns a delegate backed by provider.
func NewLLMDelegate(provider llm.Provider, opts ...LLMOption) *LLMDelegate {
	d := &LLMDelegate{llm: provider, temperature: defaultTemperature, maxTokens: defaultMaxTokens}
	for _, o := range opts {
		o(d)
	}
	return d
}

// LabelSample implements [Delegate]. The raw completion is returned; the
// [Labeler] cleans it.
func (d *LLMDelegate) LabelSample(ctx context.Context, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", fmt.Errorf("llm label: empty sample")
	}
	caps := d.llm.Capabilities()
	maxTokens := d.maxTokens
	if caps.MaxOutputTokens > 0 {
		maxTokens = min(maxTokens, caps.MaxOutputTokens)
	}
	resp, err := d.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Temperature:  d.temperature,
		MaxTokens:    maxTokens,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: userMessage(texts, postBudget(caps, maxTokens, len(texts)))}},
	})
	if err != nil {
		return "", fmt.Errorf("llm label: complete: %w", err)
	}
	return resp.Content, nil
}

// postBudget returns how many runes of each post fit the context window.
func postBudget(caps llm.ModelCapabilities, maxTokens, posts int) int {
	if caps.ContextWindow <= 0 {
		return postRunes
	}
	free := (caps.ContextWindow - maxTokens - len(systemPrompt)/runesPerToken) * runesPerToken
	return max(1, min(postRunes, free/posts))
}

func userMessage(texts []string, limit int) string {
	var sb strings.Builder
	sb.WriteString("Posts:\n")
	for i, t := range texts {
		t = strings.Join(strings.Fields(t), " ")
		if utf8.RuneCountInString(t) > limit {
			t = string([]rune(t)[:limit]) + Ellipsis
		}
		fmt.Fprintf(&sb, "%d. %s\n", i+1, t)
	}
	return sb.String()
}
