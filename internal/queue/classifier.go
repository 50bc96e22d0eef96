package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Decision is the outcome of classifying a failed delivery.
type Decision int

const (
	// DecisionRetry returns the message to the queue (subject to maxReceiveCount).
	DecisionRetry Decision = iota
	// DecisionDeadLetter moves the message to the dead-letter sink immediately.
	DecisionDeadLetter
)

func (d Decision) String() string {
	if d == DecisionDeadLetter {
		return "dead_letter"
	}
	return "retry"
}

// Classifier decides what to do with a failed delivery before the
// receive-count policy is applied.
type Classifier interface {
	Classify(cause string, msg Message, now time.Time) Decision
}

// RetryAll treats every failure as retryable.
type RetryAll struct{}

func (RetryAll) Classify(string, Message, time.Time) Decision { return DecisionRetry }

// CELClassifier dead-letters a message when a boolean CEL expression holds.
// The expression sees:
//
//	error          string  failure text
//	receiveCount   int     receives so far
//	ageSeconds     int     seconds since enqueue
//	body           dyn     the JSON body
type CELClassifier struct {
	expr string
	prog cel.Program
}

// NewCELClassifier compiles expr. An empty expression yields RetryAll.
func NewCELClassifier(expr string) (Classifier, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return RetryAll{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("error", cel.StringType),
		cel.Variable("receiveCount", cel.IntType),
		cel.Variable("ageSeconds", cel.IntType),
		cel.Variable("body", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("classifier env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("classifier %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("classifier %q: must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("classifier program: %w", err)
	}
	return &CELClassifier{expr: expr, prog: prog}, nil
}

// Classify evaluates the expression; evaluation errors fall back to DecisionRetry.
func (c *CELClassifier) Classify(cause string, msg Message, now time.Time) Decision {
	var body any
	if len(msg.Body) > 0 {
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			body = nil
		}
	}
	age := int64(0)
	if !msg.EnqueuedAt.IsZero() {
		age = int64(now.Sub(msg.EnqueuedAt).Seconds())
	}
	out, _, err := c.prog.Eval(map[string]any{
		"error":        cause,
		"receiveCount": int64(msg.ReceiveCount),
		"ageSeconds":   age,
		"body":         body,
	})
	if err != nil {
		return DecisionRetry
	}
	if b, ok := out.Value().(bool); ok && b {
		return DecisionDeadLetter
	}
	return DecisionRetry
}

func (c *CELClassifier) String() string { return c.expr }
