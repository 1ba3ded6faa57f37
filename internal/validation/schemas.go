package validation

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidator validates API payloads against JSON schemas before
// they reach the services, keeping malformed events out of the learning
// loop.
type SchemaValidator struct {
	schemas map[string]*gojsonschema.Schema
}

// Schemas are compiled in rather than loaded from disk; the API surface
// is small and versioned with the code.
var schemaSources = map[string]string{
	"interaction-event": `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["viewer_id", "item_id", "session_id", "action"],
		"properties": {
			"viewer_id": {"type": "string", "format": "uuid"},
			"item_id": {"type": "string", "format": "uuid"},
			"session_id": {"type": "string", "format": "uuid"},
			"action": {"type": "string", "enum": ["view", "like", "skip", "share", "hide"]},
			"time_spent_ms": {"type": "integer", "minimum": 0},
			"position": {"type": "integer", "minimum": 0},
			"topics": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"timestamp": {"type": "string", "format": "date-time"}
		},
		"additionalProperties": false
	}`,
	"rank-request": `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["viewer_id", "candidates"],
		"properties": {
			"viewer_id": {"type": "string", "format": "uuid"},
			"candidates": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["id", "author_id", "content_type", "created_at"],
					"properties": {
						"id": {"type": "string", "format": "uuid"},
						"author_id": {"type": "string", "format": "uuid"},
						"content_type": {"type": "string", "enum": ["post", "video", "article"]},
						"text_length": {"type": "integer", "minimum": 0},
						"topics": {"type": "array", "items": {"type": "string"}},
						"likes": {"type": "integer", "minimum": 0},
						"reposts": {"type": "integer", "minimum": 0},
						"replies": {"type": "integer", "minimum": 0},
						"views": {"type": "integer", "minimum": 0},
						"trend_boost": {"type": "number"},
						"created_at": {"type": "string", "format": "date-time"}
					}
				}
			},
			"options": {
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "minimum": 1, "maximum": 200},
					"session_id": {"type": "string", "format": "uuid"},
					"max_consecutive_same_author": {"type": "integer", "minimum": 0, "maximum": 10},
					"discovery_ratio": {"type": "number", "minimum": 0, "maximum": 1},
					"include_sub_scores": {"type": "boolean"}
				},
				"additionalProperties": false
			}
		},
		"additionalProperties": false
	}`,
	"experiment": `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["name", "variants", "sample_size", "confidence_level"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"sample_size": {"type": "integer", "minimum": 1},
			"confidence_level": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 1},
			"variants": {
				"type": "array",
				"minItems": 2,
				"items": {
					"type": "object",
					"required": ["id", "traffic_allocation"],
					"properties": {
						"id": {"type": "string", "minLength": 1},
						"name": {"type": "string"},
						"traffic_allocation": {"type": "number", "minimum": 0, "maximum": 1},
						"is_control": {"type": "boolean"},
						"weight_override": {"type": "object"}
					}
				}
			}
		}
	}`,
}

// NewSchemaValidator compiles the built-in schemas.
func NewSchemaValidator() (*SchemaValidator, error) {
	sv := &SchemaValidator{schemas: make(map[string]*gojsonschema.Schema)}

	for name, source := range schemaSources {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		sv.schemas[name] = schema
	}

	return sv, nil
}

// ValidateInteractionEvent validates a feedback payload.
func (sv *SchemaValidator) ValidateInteractionEvent(data interface{}) *ValidationResult {
	return sv.validate("interaction-event", data)
}

// ValidateRankRequest validates a ranking payload.
func (sv *SchemaValidator) ValidateRankRequest(data interface{}) *ValidationResult {
	return sv.validate("rank-request", data)
}

// ValidateExperiment validates an experiment definition payload.
func (sv *SchemaValidator) ValidateExperiment(data interface{}) *ValidationResult {
	return sv.validate("experiment", data)
}

func (sv *SchemaValidator) validate(schemaName string, data interface{}) *ValidationResult {
	schema, exists := sv.schemas[schemaName]
	if !exists {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:   "schema",
				Message: fmt.Sprintf("Schema '%s' not found", schemaName),
				Code:    "SCHEMA_NOT_FOUND",
			}},
		}
	}

	var documentLoader gojsonschema.JSONLoader
	switch v := data.(type) {
	case string:
		documentLoader = gojsonschema.NewStringLoader(v)
	case []byte:
		documentLoader = gojsonschema.NewBytesLoader(v)
	default:
		jsonBytes, err := json.Marshal(data)
		if err != nil {
			return &ValidationResult{
				Valid: false,
				Errors: []ValidationError{{
					Field:   "data",
					Message: fmt.Sprintf("Failed to marshal data to JSON: %v", err),
					Code:    "JSON_MARSHAL_ERROR",
				}},
			}
		}
		documentLoader = gojsonschema.NewBytesLoader(jsonBytes)
	}

	result, err := schema.Validate(documentLoader)
	if err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:   "validation",
				Message: fmt.Sprintf("Validation error: %v", err),
				Code:    "VALIDATION_ERROR",
			}},
		}
	}

	validationResult := &ValidationResult{
		Valid:  result.Valid(),
		Errors: make([]ValidationError, 0),
	}

	if !result.Valid() {
		for _, err := range result.Errors() {
			validationResult.Errors = append(validationResult.Errors, ValidationError{
				Field:   err.Field(),
				Message: err.Description(),
				Code:    "VALIDATION_ERROR",
				Value:   err.Value(),
			})
		}
	}

	return validationResult
}

// ValidationResult is the outcome of one schema validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError is one schema violation.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Value   interface{} `json:"value,omitempty"`
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

// ToAPIError converts the result to the API error envelope.
func (vr *ValidationResult) ToAPIError() map[string]interface{} {
	if vr.Valid {
		return nil
	}

	fieldErrors := make(map[string][]string)
	for _, err := range vr.Errors {
		if err.Field != "" {
			fieldErrors[err.Field] = append(fieldErrors[err.Field], err.Message)
		}
	}

	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    "VALIDATION_ERROR",
			"message": "Request validation failed",
			"details": map[string]interface{}{
				"validationErrors": vr.Errors,
				"fieldErrors":      fieldErrors,
			},
		},
	}
}
