// Package policy decides whether an unattended update from an installed
// version to a target version may proceed.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrPolicyViolation marks a refused unattended update.
var ErrPolicyViolation = errors.New("update policy violation")

// Violation carries every message the chain produced.
type Violation struct {
	Installed string
	Target    string
	Messages  []string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("update %s -> %s refused: %s", v.Installed, v.Target, strings.Join(v.Messages, "; "))
}

func (v *Violation) Unwrap() error { return ErrPolicyViolation }

// Rule is one independent check. It returns zero or more human-readable
// violation messages; an error means the rule could not be evaluated.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, installed, target string) ([]string, error)
}

// Chain evaluates every rule and concatenates their messages in order.
type Chain struct {
	rules []Rule
}

func NewChain(rules ...Rule) *Chain {
	return &Chain{rules: append([]Rule(nil), rules...)}
}

// With returns a new chain with extra rules appended.
func (c *Chain) With(rules ...Rule) *Chain {
	next := make([]Rule, 0, len(c.rules)+len(rules))
	next = append(next, c.rules...)
	next = append(next, rules...)
	return &Chain{rules: next}
}

func (c *Chain) Rules() []string {
	names := make([]string, 0, len(c.rules))
	for _, r := range c.rules {
		names = append(names, r.Name())
	}
	return names
}

// Evaluate runs every rule; it never stops at the first failing rule.
func (c *Chain) Evaluate(ctx context.Context, installed, target string) ([]string, error) {
	var messages []string
	for _, r := range c.rules {
		msgs, err := r.Evaluate(ctx, installed, target)
		if err != nil {
			return nil, fmt.Errorf("policy rule %s: %w", r.Name(), err)
		}
		messages = append(messages, msgs...)
	}
	return messages, nil
}

// Enforce returns *Violation when Evaluate produced any message.
func (c *Chain) Enforce(ctx context.Context, installed, target string) error {
	messages, err := c.Evaluate(ctx, installed, target)
	if err != nil {
		return err
	}
	if len(messages) > 0 {
		return &Violation{Installed: installed, Target: target, Messages: messages}
	}
	return nil
}
