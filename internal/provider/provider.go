// Package provider routes LLM calls. Two concrete providers exist (a
// CLI-spawning one and an OpenAI-compatible HTTP one); the Switchboard
// orders them and fails over on retryable errors.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of an LLM conversation.
type Message struct {
	Role    string
	Content string
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Provider is a single LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, messages []Message) (string, error)
}

// ErrorClass categorizes provider failures.
type ErrorClass string

const (
	ClassAuth            ErrorClass = "AUTH"
	ClassRateLimit       ErrorClass = "RATE_LIMIT"
	ClassTimeout         ErrorClass = "TIMEOUT"
	ClassBilling         ErrorClass = "BILLING"
	ClassBadRequest      ErrorClass = "BAD_REQUEST"
	ClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ClassUnknown         ErrorClass = "UNKNOWN"
)

// ClassifiedError carries a class alongside the underlying provider error.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classified wraps err with an explicit class.
func Classified(class ErrorClass, err error) error {
	return &ClassifiedError{Class: class, Err: err}
}

// Classify inspects an error and assigns a class. Pre-classified errors keep
// their class; everything else is matched on the error text.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication"):
		return ClassAuth
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests"):
		return ClassRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset"):
		return ClassTimeout
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing") ||
		strings.Contains(msg, "insufficient funds"):
		return ClassBilling
	case strings.Contains(msg, "context length") || strings.Contains(msg, "context window") ||
		strings.Contains(msg, "too long"):
		return ClassContextOverflow
	case strings.Contains(msg, "400") || strings.Contains(msg, "bad request") ||
		strings.Contains(msg, "malformed"):
		return ClassBadRequest
	default:
		return ClassUnknown
	}
}

// Retryable reports whether a failure class warrants trying another provider.
// Auth and malformed-request failures abort; everything else fails over.
func Retryable(class ErrorClass) bool {
	switch class {
	case ClassAuth, ClassBadRequest:
		return false
	default:
		return true
	}
}
