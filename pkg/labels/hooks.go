package labels

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// HookKind identifies a hook variant
type HookKind string

const (
	HookKindWebhook HookKind = "webhook"
	HookKindSlack   HookKind = "slack"
	HookKindPRMerge HookKind = "pr-merge"
	HookKindPRClose HookKind = "pr-close"
)

// Hook is an action attached to a label and run when the label is assigned.
// The set of variants is closed: WebhookHook, SlackHook, PRMergeHook and
// PRCloseHook.
type Hook interface {
	Kind() HookKind
	Accept(v HookVisitor) error
}

// HookVisitor interprets hooks. Adding a hook variant adds a method here,
// which every interpreter then has to implement.
type HookVisitor interface {
	VisitWebhook(h WebhookHook) error
	VisitSlack(h SlackHook) error
	VisitPRMerge(h PRMergeHook) error
	VisitPRClose(h PRCloseHook) error
}

// WebhookHook posts the label event to an HTTP endpoint
type WebhookHook struct {
	Endpoint string `json:"endpoint"`
}

// SlackHook notifies a Slack user
type SlackHook struct {
	User string `json:"user"`
}

// PRMergeHook merges the labelled pull request
type PRMergeHook struct{}

// PRCloseHook closes the labelled pull request
type PRCloseHook struct{}

func (h WebhookHook) Kind() HookKind { return HookKindWebhook }
func (h SlackHook) Kind() HookKind   { return HookKindSlack }
func (h PRMergeHook) Kind() HookKind { return HookKindPRMerge }
func (h PRCloseHook) Kind() HookKind { return HookKindPRClose }

func (h WebhookHook) Accept(v HookVisitor) error { return v.VisitWebhook(h) }
func (h SlackHook) Accept(v HookVisitor) error   { return v.VisitSlack(h) }
func (h PRMergeHook) Accept(v HookVisitor) error { return v.VisitPRMerge(h) }
func (h PRCloseHook) Accept(v HookVisitor) error { return v.VisitPRClose(h) }

// Hooks is the YAML representation of a hook list. Each entry is either a
// bare scalar ("pr-merge", "pr-close") or a single-key mapping
// ("webhook: <url>", "slack: <user>").
type Hooks []Hook

// UnmarshalYAML decodes a hook list
func (hs *Hooks) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: hooks must be a list", node.Line)
	}

	out := make(Hooks, 0, len(node.Content))
	for _, item := range node.Content {
		hook, err := decodeHook(item)
		if err != nil {
			return err
		}
		out = append(out, hook)
	}

	*hs = out
	return nil
}

// MarshalYAML encodes a hook list in the same shape UnmarshalYAML accepts
func (hs Hooks) MarshalYAML() (any, error) {
	out := make([]any, 0, len(hs))
	for _, h := range hs {
		switch hook := h.(type) {
		case WebhookHook:
			out = append(out, map[string]string{string(HookKindWebhook): hook.Endpoint})
		case SlackHook:
			out = append(out, map[string]string{string(HookKindSlack): hook.User})
		default:
			out = append(out, string(h.Kind()))
		}
	}
	return out, nil
}

func decodeHook(node *yaml.Node) (Hook, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		switch HookKind(strings.TrimSpace(node.Value)) {
		case HookKindPRMerge:
			return PRMergeHook{}, nil
		case HookKindPRClose:
			return PRCloseHook{}, nil
		case HookKindWebhook, HookKindSlack:
			return nil, fmt.Errorf("line %d: hook %q requires a value", node.Line, node.Value)
		}
		return nil, fmt.Errorf("line %d: unknown hook %q", node.Line, node.Value)

	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return nil, fmt.Errorf("line %d: a hook must have exactly one key", node.Line)
		}
		key, value := node.Content[0].Value, strings.TrimSpace(node.Content[1].Value)

		switch HookKind(key) {
		case HookKindWebhook:
			if value == "" {
				return nil, fmt.Errorf("line %d: webhook hook requires an endpoint", node.Line)
			}
			return WebhookHook{Endpoint: value}, nil
		case HookKindSlack:
			if value == "" {
				return nil, fmt.Errorf("line %d: slack hook requires a user", node.Line)
			}
			return SlackHook{User: value}, nil
		case HookKindPRMerge:
			return PRMergeHook{}, nil
		case HookKindPRClose:
			return PRCloseHook{}, nil
		}
		return nil, fmt.Errorf("line %d: unknown hook %q", node.Line, key)
	}

	return nil, fmt.Errorf("line %d: invalid hook definition", node.Line)
}
