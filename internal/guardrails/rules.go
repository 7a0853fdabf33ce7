// Package guardrails implements the pre-flight checks the runtime runs
// before invoking any model. Every checker satisfies copilot.Guardrail and
// looks at the latest user message of the request.
package guardrails

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// Rules is the YAML document read by RuleChecker.
//
//	allowed_topics: [travel, hotels]
//	denied_topics: [politics]
//	denied_patterns: ['(?i)ignore (all|previous) instructions']
//	max_message_chars: 8000
type Rules struct {
	// AllowedTopics, when non-empty, requires the message to mention at
	// least one topic.
	AllowedTopics []string `yaml:"allowed_topics" json:"allowed_topics,omitempty"`
	// DeniedTopics rejects messages mentioning any topic.
	DeniedTopics []string `yaml:"denied_topics" json:"denied_topics,omitempty"`
	// DeniedPatterns are regular expressions rejecting matching messages.
	DeniedPatterns []string `yaml:"denied_patterns" json:"denied_patterns,omitempty"`
	// MaxMessageChars rejects longer messages. Zero disables the limit.
	MaxMessageChars int `yaml:"max_message_chars" json:"max_message_chars,omitempty"`
}

type compiledRules struct {
	allowed  []string
	denied   []string
	patterns []*regexp.Regexp
	maxChars int
}

func compileRules(rules Rules) (*compiledRules, error) {
	compiled := &compiledRules{
		allowed:  normalizeTopics(rules.AllowedTopics),
		denied:   normalizeTopics(rules.DeniedTopics),
		maxChars: rules.MaxMessageChars,
	}
	if rules.MaxMessageChars < 0 {
		return nil, errors.New("max_message_chars must not be negative")
	}
	for _, pattern := range rules.DeniedPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("denied pattern %q: %w", pattern, err)
		}
		compiled.patterns = append(compiled.patterns, re)
	}
	return compiled, nil
}

func normalizeTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, topic := range topics {
		topic = strings.ToLower(strings.TrimSpace(topic))
		if topic != "" {
			out = append(out, topic)
		}
	}
	return out
}

// ParseRules decodes a rules document. Unknown keys are rejected.
func ParseRules(data []byte) (Rules, error) {
	var rules Rules
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&rules); err != nil {
		if errors.Is(err, io.EOF) {
			return Rules{}, nil
		}
		return Rules{}, fmt.Errorf("parse guardrail rules: %w", err)
	}
	return rules, nil
}

// RuleChecker rejects requests whose latest user message breaks the
// configured topic rules. Rules can be replaced at runtime; checks in
// flight keep the rules they started with.
type RuleChecker struct {
	name  string
	path  string
	rules atomic.Pointer[compiledRules]

	watchMu sync.Mutex
	stop    func() error
}

// NewRuleChecker compiles rules into a checker.
func NewRuleChecker(rules Rules) (*RuleChecker, error) {
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	c := &RuleChecker{name: "rules"}
	c.rules.Store(compiled)
	return c, nil
}

// NewRuleCheckerFromFile loads rules from a YAML file. Use Watch to pick
// up later edits.
func NewRuleCheckerFromFile(path string) (*RuleChecker, error) {
	c := &RuleChecker{name: "rules", path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Name implements copilot.Guardrail.
func (c *RuleChecker) Name() string { return c.name }

// Update swaps in new rules.
func (c *RuleChecker) Update(rules Rules) error {
	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}
	c.rules.Store(compiled)
	return nil
}

// Reload re-reads the rules file. On error the previous rules stay active.
func (c *RuleChecker) Reload() error {
	if c.path == "" {
		return errors.New("rule checker has no rules file")
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read guardrail rules: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return err
	}
	return c.Update(rules)
}

// Check implements copilot.Guardrail.
func (c *RuleChecker) Check(ctx context.Context, req *models.RuntimeRequest) (*copilot.GuardrailVerdict, error) {
	rules := c.rules.Load()
	input, ok := LastUserMessage(req.Messages)
	if !ok {
		return &copilot.GuardrailVerdict{Allowed: true, Checker: c.name}, nil
	}

	deny := func(reason string) (*copilot.GuardrailVerdict, error) {
		return &copilot.GuardrailVerdict{Allowed: false, Reason: reason, Checker: c.name}, nil
	}

	if rules.maxChars > 0 && len([]rune(input)) > rules.maxChars {
		return deny(fmt.Sprintf("message exceeds %d characters", rules.maxChars))
	}
	lower := strings.ToLower(input)
	for _, topic := range rules.denied {
		if strings.Contains(lower, topic) {
			return deny(fmt.Sprintf("topic %q is not allowed", topic))
		}
	}
	for _, re := range rules.patterns {
		if re.MatchString(input) {
			return deny("message matches a denied pattern")
		}
	}
	if len(rules.allowed) > 0 {
		matched := false
		for _, topic := range rules.allowed {
			if strings.Contains(lower, topic) {
				matched = true
				break
			}
		}
		if !matched {
			return deny("message is outside the allowed topics")
		}
	}
	return &copilot.GuardrailVerdict{Allowed: true, Checker: c.name}, nil
}

// LastUserMessage returns the content of the latest user message.
func LastUserMessage(messages []models.Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content, true
		}
	}
	return "", false
}
