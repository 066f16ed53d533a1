package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CLIProvider spawns a command per call, feeds the prompt on stdin and reads
// the completion from stdout. A non-zero exit is a retryable failure.
type CLIProvider struct {
	name    string
	command string
	args    []string
	timeout time.Duration
}

// NewCLIProvider builds the provider. A zero timeout defaults to two minutes.
func NewCLIProvider(name, command string, args []string, timeout time.Duration) *CLIProvider {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &CLIProvider{name: name, command: command, args: args, timeout: timeout}
}

func (p *CLIProvider) Name() string { return p.name }

// Complete renders the conversation as plain text and runs the command.
func (p *CLIProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Stdin = strings.NewReader(renderPrompt(messages))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", Classified(ClassTimeout, fmt.Errorf("%s: %w", p.command, ctx.Err()))
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		// Exit status carries no structure; classify on stderr text but never
		// below retryable: a missing binary or crash should fail over.
		class := Classify(fmt.Errorf("%s", detail))
		if !Retryable(class) {
			class = ClassUnknown
		}
		return "", Classified(class, fmt.Errorf("%s exited: %s", p.command, detail))
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", Classified(ClassUnknown, fmt.Errorf("%s produced empty output", p.command))
	}
	return out, nil
}

// renderPrompt flattens messages for a stdin-driven model. System content
// leads, then the dialogue turns.
func renderPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		case RoleAssistant:
			b.WriteString("Assistant: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		default:
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}
