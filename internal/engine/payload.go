package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// basePayloadSchema covers kinds that work from text alone.
const basePayloadSchema = `{
	"type": "object",
	"required": ["prompt", "parent_ref", "email"],
	"properties": {
		"prompt": {"type": "string", "minLength": 1},
		"parent_ref": {"type": "string", "minLength": 1},
		"email": {"type": "string", "minLength": 3, "pattern": "^[^@\\s]+@[^@\\s]+$"},
		"image_ref": {"type": "string"},
		"metadata": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	},
	"additionalProperties": false
}`

// picturePayloadSchema additionally requires the image reference.
const picturePayloadSchema = `{
	"type": "object",
	"required": ["prompt", "parent_ref", "email", "image_ref"],
	"properties": {
		"prompt": {"type": "string", "minLength": 1},
		"parent_ref": {"type": "string", "minLength": 1},
		"email": {"type": "string", "minLength": 3, "pattern": "^[^@\\s]+@[^@\\s]+$"},
		"image_ref": {"type": "string", "minLength": 1},
		"metadata": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	},
	"additionalProperties": false
}`

// PayloadValidator validates submission payloads against the schema
// registered for each task kind.
type PayloadValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewPayloadValidator compiles the per-kind payload schemas.
func NewPayloadValidator() (*PayloadValidator, error) {
	kindSchemas := map[string]string{
		KindPictureExplain: picturePayloadSchema,
		KindWaxStack:       basePayloadSchema,
		KindWorldRender:    basePayloadSchema,
	}

	compiled := make(map[string]*jsonschema.Schema, len(kindSchemas))
	for kind, schemaJSON := range kindSchemas {
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", kind, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return nil, fmt.Errorf("add schema resource for %s: %w", kind, err)
		}
		schema, err := c.Compile("schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", kind, err)
		}
		compiled[kind] = schema
	}
	return &PayloadValidator{schemas: compiled}, nil
}

// Kinds returns the registered task kinds.
func (v *PayloadValidator) Kinds() []string {
	out := make([]string, 0, len(v.schemas))
	for kind := range v.schemas {
		out = append(out, kind)
	}
	return out
}

// Validate checks raw against the schema for kind. Returns ErrUnknownKind
// for unregistered kinds.
func (v *PayloadValidator) Validate(kind string, raw json.RawMessage) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("invalid payload JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("payload validation failed: %w", err)
	}
	return nil
}
