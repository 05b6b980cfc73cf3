package executors

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/freightworks/docket/internal/pipeline"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// resultSchemas maps the stages whose result payloads have a fixed shape
// to their embedded schema. Stages absent here accept any payload.
var resultSchemas = map[pipeline.Stage]string{
	pipeline.StageExtraction: "schemas/extraction_result.json",
	pipeline.StageMapping:    "schemas/mapping_result.json",
	pipeline.StageReview:     "schemas/review_result.json",
}

var (
	compileOnce sync.Once
	compiled    map[pipeline.Stage]*jsonschema.Schema
	compileErr  error
)

func compiledSchemas() (map[pipeline.Stage]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[pipeline.Stage]*jsonschema.Schema, len(resultSchemas))
		for stage, file := range resultSchemas {
			content, err := schemaFS.ReadFile(file)
			if err != nil {
				compileErr = fmt.Errorf("read schema %s: %w", file, err)
				return
			}
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource(file, bytes.NewReader(content)); err != nil {
				compileErr = fmt.Errorf("load schema %s: %w", file, err)
				return
			}
			schema, err := compiler.Compile(file)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", file, err)
				return
			}
			compiled[stage] = schema
		}
	})
	return compiled, compileErr
}

// ValidateResult checks a stage result payload against the stage's
// schema before it is persisted. An empty payload is always accepted, as
// is any payload for a stage without a registered schema.
func ValidateResult(stage pipeline.Stage, payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[stage]
	if !ok {
		return nil
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return &pipeline.ValidationError{Field: "result", Reason: "result is not valid JSON"}
	}
	if err := schema.Validate(doc); err != nil {
		return &pipeline.ValidationError{Field: "result", Reason: err.Error()}
	}
	return nil
}
