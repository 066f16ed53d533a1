package provider

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCLIProviderEchoesCompletion(t *testing.T) {
	requireSh(t)
	p := NewCLIProvider("cli_test", "sh", []string{"-c", "cat"}, 10*time.Second)
	out, err := p.Complete(context.Background(), []Message{
		System("be terse"),
		User("hello"),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !strings.Contains(out, "be terse") || !strings.Contains(out, "hello") {
		t.Errorf("prompt not passed through stdin: %q", out)
	}
}

func TestCLIProviderNonZeroExitIsRetryable(t *testing.T) {
	requireSh(t)
	p := NewCLIProvider("cli_test", "sh", []string{"-c", "echo doomed >&2; exit 3"}, 10*time.Second)
	_, err := p.Complete(context.Background(), []Message{User("hi")})
	if err == nil {
		t.Fatal("expected error")
	}
	if !Retryable(Classify(err)) {
		t.Errorf("non-zero exit must classify retryable, got %s", Classify(err))
	}
	if !strings.Contains(err.Error(), "doomed") {
		t.Errorf("stderr not surfaced: %v", err)
	}
}

func TestCLIProviderMissingBinary(t *testing.T) {
	p := NewCLIProvider("cli_test", "definitely-not-a-real-binary-42", nil, time.Second)
	_, err := p.Complete(context.Background(), []Message{User("hi")})
	if err == nil {
		t.Fatal("expected error")
	}
	if !Retryable(Classify(err)) {
		t.Error("missing binary must be retryable so the switchboard fails over")
	}
}

func TestCLIProviderTimeout(t *testing.T) {
	requireSh(t)
	p := NewCLIProvider("cli_test", "sh", []string{"-c", "sleep 5"}, 100*time.Millisecond)
	_, err := p.Complete(context.Background(), []Message{User("hi")})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if Classify(err) != ClassTimeout {
		t.Errorf("class = %s, want TIMEOUT", Classify(err))
	}
}

func TestCLIProviderEmptyOutput(t *testing.T) {
	requireSh(t)
	p := NewCLIProvider("cli_test", "sh", []string{"-c", "true"}, 10*time.Second)
	_, err := p.Complete(context.Background(), []Message{User("hi")})
	if err == nil {
		t.Fatal("expected error for empty output")
	}
}

func TestRenderPrompt(t *testing.T) {
	out := renderPrompt([]Message{
		System("SYS"),
		User("question"),
		Assistant("earlier answer"),
	})
	if !strings.HasPrefix(out, "SYS\n\n") {
		t.Errorf("system content must lead: %q", out)
	}
	if !strings.Contains(out, "Assistant: earlier answer") {
		t.Errorf("assistant turn missing: %q", out)
	}
}
