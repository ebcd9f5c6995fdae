package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// PatchStrategy selects how an override document is merged into a spec.
type PatchStrategy string

const (
	// PatchReplace replaces every top-level section present in the override.
	PatchReplace PatchStrategy = "replace"
	// PatchIsNull only fills values that are missing from the spec.
	PatchIsNull PatchStrategy = "isnull"
	// PatchPostMerge merges recursively; override scalars win, lists are appended.
	PatchPostMerge PatchStrategy = "post_merge"
	// PatchPreMerge merges recursively; spec scalars win, override lists come first.
	PatchPreMerge PatchStrategy = "pre_merge"
)

func ParsePatchStrategy(value string) (PatchStrategy, error) {
	switch s := PatchStrategy(strings.ToLower(strings.TrimSpace(value))); s {
	case "":
		return PatchPostMerge, nil
	case PatchReplace, PatchIsNull, PatchPostMerge, PatchPreMerge:
		return s, nil
	default:
		return "", domain.NewValidationError("unsupported patch strategy %q", value)
	}
}

// decodeDocument reads a YAML or JSON document into JSON-compatible values.
func decodeDocument(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, domain.NewValidationError("malformed operation: %v", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return normalizeDocument(doc)
}

// normalizeDocument round-trips through JSON so numbers become float64 and
// timestamps become RFC 3339 strings.
func normalizeDocument(doc map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, domain.NewValidationError("malformed operation: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, domain.NewValidationError("malformed operation: %v", err)
	}
	return out, nil
}

// mergeDocuments applies override to base following strategy.
func mergeDocuments(base, override map[string]any, strategy PatchStrategy) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, patch := range override {
		current, exists := out[k]
		switch {
		case !exists || current == nil:
			out[k] = patch
		case strategy == PatchReplace:
			if patch != nil {
				out[k] = patch
			}
		default:
			out[k] = mergeValue(current, patch, strategy)
		}
	}
	return out
}

func mergeValue(current, patch any, strategy PatchStrategy) any {
	if patch == nil {
		return current
	}
	if current == nil {
		return patch
	}
	switch c := current.(type) {
	case map[string]any:
		p, ok := patch.(map[string]any)
		if !ok {
			break
		}
		return mergeDocuments(c, p, strategy)
	case []any:
		p, ok := patch.([]any)
		if !ok {
			break
		}
		switch strategy {
		case PatchPostMerge:
			return append(append([]any{}, c...), p...)
		case PatchPreMerge:
			return append(append([]any{}, p...), c...)
		default:
			return c
		}
	}
	if strategy == PatchPostMerge {
		return patch
	}
	return current
}

// decodeOperation converts a validated document into an Operation.
func decodeOperation(doc map[string]any) (domain.Operation, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return domain.Operation{}, fmt.Errorf("encode operation: %w", err)
	}
	var op domain.Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return domain.Operation{}, domain.NewValidationError("malformed operation: %v", err)
	}
	return op, nil
}

// Parse merges override into content, validates the result and decodes it.
// It also returns the merged document serialized as JSON for raw_content.
func Parse(content, override []byte, strategy PatchStrategy) (domain.Operation, string, error) {
	base, err := decodeDocument(content)
	if err != nil {
		return domain.Operation{}, "", err
	}
	if len(base) == 0 {
		return domain.Operation{}, "", domain.NewValidationError("operation content is empty")
	}
	if len(bytes.TrimSpace(override)) > 0 {
		patch, err := decodeDocument(override)
		if err != nil {
			return domain.Operation{}, "", err
		}
		if strategy == "" {
			strategy = PatchPostMerge
		}
		base = mergeDocuments(base, patch, strategy)
	}
	if err := validateDocument(base); err != nil {
		return domain.Operation{}, "", err
	}
	op, err := decodeOperation(base)
	if err != nil {
		return domain.Operation{}, "", err
	}
	raw, err := json.Marshal(base)
	if err != nil {
		return domain.Operation{}, "", fmt.Errorf("encode operation: %w", err)
	}
	return op, string(raw), nil
}

// EncodeOperation serializes an in-memory operation the way Parse stores raw content.
func EncodeOperation(op domain.Operation) (string, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("encode operation: %w", err)
	}
	return string(raw), nil
}
