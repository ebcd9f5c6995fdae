package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeContent serializes a compiled operation for storage on a run.
func EncodeContent(op CompiledOperation) (string, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	return string(raw), nil
}

// DecodeContent parses a run's stored content.
func DecodeContent(content string) (CompiledOperation, error) {
	var op CompiledOperation
	if strings.TrimSpace(content) == "" {
		return op, NewValidationError("run has no compiled content")
	}
	if err := json.Unmarshal([]byte(content), &op); err != nil {
		return op, fmt.Errorf("decode content: %w", err)
	}
	return op, nil
}
