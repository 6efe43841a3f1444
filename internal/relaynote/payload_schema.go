package relaynote

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const pathSchema = `{"type": "string", "minLength": 1, "maxLength": 4096}`

var payloadSchemaSources = map[Kind]string{
	KindCreate: fileWriteSchema,
	KindUpdate: fileWriteSchema,
	KindMove: `{
		"type": "object",
		"required": ["source", "destination"],
		"properties": {
			"source": ` + pathSchema + `,
			"destination": ` + pathSchema + `
		},
		"additionalProperties": false
	}`,
	KindDelete: `{
		"type": "object",
		"required": ["path"],
		"properties": {
			"path": ` + pathSchema + `,
			"isDirectory": {"type": "boolean"},
			"observed": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	KindSync: `{
		"type": "object",
		"required": ["path"],
		"properties": {
			"path": ` + pathSchema + `,
			"event": {"enum": ["", "created", "modified", "deleted", "scanned"]}
		},
		"additionalProperties": false
	}`,
}

const fileWriteSchema = `{
	"type": "object",
	"required": ["path", "content"],
	"properties": {
		"path": ` + pathSchema + `,
		"content": {"type": "string"},
		"binary": {"type": "boolean"},
		"metadata": {"type": "object"}
	},
	"additionalProperties": false
}`

var (
	payloadSchemasOnce sync.Once
	payloadSchemas     map[Kind]*jsonschema.Schema
	payloadSchemasErr  error
)

func compilePayloadSchemas() (map[Kind]*jsonschema.Schema, error) {
	payloadSchemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiled := make(map[Kind]*jsonschema.Schema, len(payloadSchemaSources))
		for kind, src := range payloadSchemaSources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				payloadSchemasErr = fmt.Errorf("parse %s schema: %w", kind, err)
				return
			}
			url := "relaynote://payload/" + string(kind) + ".json"
			if err := compiler.AddResource(url, doc); err != nil {
				payloadSchemasErr = fmt.Errorf("add %s schema: %w", kind, err)
				return
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				payloadSchemasErr = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			compiled[kind] = schema
		}
		payloadSchemas = compiled
	})
	return payloadSchemas, payloadSchemasErr
}

// ValidatePayload checks a JSON body against the schema for kind.
func ValidatePayload(kind Kind, data []byte) error {
	schemas, err := compilePayloadSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: payload is not valid json: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidInput, kind, err)
	}
	return nil
}
