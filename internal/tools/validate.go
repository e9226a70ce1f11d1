package tools

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateArguments checks proposed tool arguments against the tool's input
// schema. Returns nil if the arguments conform.
func ValidateArguments(t Tool, args map[string]interface{}) error {
	schema := t.InputSchema()
	if schema == nil {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return fmt.Errorf("validating arguments for %s: %w", t.Name(), err)
	}

	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("arguments for %s do not match schema: %s", t.Name(), strings.Join(msgs, "; "))
	}
	return nil
}
