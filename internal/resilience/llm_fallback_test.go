package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/contentid/pkg/provider/llm"
	llmmock "github.com/MrWong99/contentid/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("rate limited"), CapabilitiesResult: llm.ModelCapabilities{ContextWindow: 42}}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Budget vote"}}

	f := NewLLMFallback(primary, "openai", FallbackConfig{})
	f.AddFallback("ollama", secondary)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Budget vote" {
		t.Errorf("content = %q", resp.Content)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Errorf("calls primary=%d secondary=%d", primary.CallCount(), secondary.CallCount())
	}
	if f.Capabilities().ContextWindow != 42 {
		t.Errorf("Capabilities should come from the primary")
	}
	if names := f.Names(); len(names) != 2 || names[0] != "openai" {
		t.Errorf("Names() = %v", names)
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	f := NewLLMFallback(&llmmock.Provider{CompleteErr: errTest}, "only", FallbackConfig{})
	if _, err := f.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
