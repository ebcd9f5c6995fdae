package compiler

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

//go:embed schema/operation.yaml
var operationSchemaYAML []byte

var loadOperationSchema = sync.OnceValues(func() (*openapi3.Schema, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(operationSchemaYAML)
	if err != nil {
		return nil, fmt.Errorf("load operation schema: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validate operation schema: %w", err)
	}
	ref, ok := doc.Components.Schemas["Operation"]
	if !ok || ref == nil || ref.Value == nil {
		return nil, errors.New("operation schema missing")
	}
	return ref.Value, nil
})

// validateDocument checks a decoded operation, and every nested DAG operation,
// against the operation schema.
func validateDocument(doc map[string]any) error {
	schema, err := loadOperationSchema()
	if err != nil {
		return err
	}
	verr := &domain.ValidationError{}
	visitOperation(schema, doc, "", verr)
	return verr.OrNil()
}

func visitOperation(schema *openapi3.Schema, doc map[string]any, path string, verr *domain.ValidationError) {
	if err := schema.VisitJSON(doc, openapi3.MultiErrors()); err != nil {
		var multi openapi3.MultiError
		if errors.As(err, &multi) {
			for _, item := range multi {
				verr.Add(prefixed(path, item.Error()))
			}
		} else {
			verr.Add(prefixed(path, err.Error()))
		}
	}
	component, _ := doc["component"].(map[string]any)
	run, _ := component["run"].(map[string]any)
	ops, _ := run["operations"].([]any)
	for i, item := range ops {
		sub, ok := item.(map[string]any)
		if !ok {
			verr.Add(prefixed(path, fmt.Sprintf("operations[%d] must be an object", i)))
			continue
		}
		name, _ := sub["name"].(string)
		if name == "" {
			name = fmt.Sprintf("operations[%d]", i)
		}
		visitOperation(schema, sub, path+name+": ", verr)
	}
}

func prefixed(path, msg string) string {
	return path + msg
}
