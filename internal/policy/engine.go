// Package policy decides whether a submission may be streamed.
package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
)

const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Limits are passed to the policy alongside every submission.
type Limits struct {
	MaxMessageLength int
	MaxFileBytes     int64
}

// Decision is the outcome of evaluating a submission.
type Decision struct {
	Decision string
	Reasons  []string
}

// Allowed reports whether the submission may proceed.
func (d Decision) Allowed() bool {
	return d.Decision != DecisionBlock
}

// Engine is the OPA policy engine.
type Engine struct {
	query  rego.PreparedEvalQuery
	limits Limits
}

// NewEngine creates a new policy engine with the given policy content.
// The module must define data.chat_policy.result as {"decision": ..., "reasons": ...}.
func NewEngine(ctx context.Context, policyContent string, limits Limits) (*Engine, error) {
	r := rego.New(
		rego.Query("data.chat_policy.result"),
		rego.Module("chat_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query, limits: limits}, nil
}

// Evaluate runs the policy for a submission.
func (e *Engine) Evaluate(ctx context.Context, sub domain.Submission) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(e.input(sub)))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Decision: DecisionAllow}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}

	d := Decision{Decision: DecisionAllow}
	if s, ok := obj["decision"].(string); ok {
		d.Decision = s
	}
	if reasons, ok := obj["reasons"].([]interface{}); ok {
		for _, r := range reasons {
			d.Reasons = append(d.Reasons, fmt.Sprint(r))
		}
		sort.Strings(d.Reasons)
	}
	return d, nil
}

// Check returns a validation error when the policy blocks the submission.
func (e *Engine) Check(ctx context.Context, sub domain.Submission) error {
	d, err := e.Evaluate(ctx, sub)
	if err != nil {
		return err
	}
	if d.Allowed() {
		return nil
	}
	return domain.NewValidationError("submission rejected", domain.FieldErrors{"message": d.Reasons})
}

func (e *Engine) input(sub domain.Submission) map[string]interface{} {
	in := map[string]interface{}{
		"conversation_id":    sub.ConversationID,
		"content":            sub.Message,
		"max_message_length": e.limits.MaxMessageLength,
		"max_file_bytes":     e.limits.MaxFileBytes,
	}
	if sub.File != nil {
		in["file"] = map[string]interface{}{
			"name":      sub.File.Name,
			"mime_type": sub.File.MimeType,
			"size":      sub.File.Size,
		}
	}
	return in
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package chat_policy

default decision = "allow"

decision = "block" {
	count(deny) > 0
}

deny[msg] {
	trim_space(input.content) == ""
	msg := "message is empty"
}

deny[msg] {
	input.max_message_length > 0
	count(input.content) > input.max_message_length
	msg := sprintf("message has %v characters, limit is %v", [count(input.content), input.max_message_length])
}

deny[msg] {
	input.max_file_bytes > 0
	input.file.size > input.max_file_bytes
	msg := sprintf("file %v has %v bytes, limit is %v", [input.file.name, input.file.size, input.max_file_bytes])
}

result = {"decision": decision, "reasons": deny}
`
