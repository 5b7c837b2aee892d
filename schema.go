package bunstore

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kartikbazzad/bunstore/internal/logger"
	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/storage"
)

// FieldType names the declared type of a schema field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInt     FieldType = "int"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldArray   FieldType = "array"
	FieldObject  FieldType = "object"
	FieldAny     FieldType = "any"
)

// FieldDescriptor describes one schema field. The schema is authoritative: a
// document is valid iff every required field is present and every typed field
// coerces or validates.
type FieldDescriptor struct {
	Type        FieldType
	Required    bool
	Default     interface{}
	DefaultFn   func() interface{}
	Coerce      bool
	Validator   func(value interface{}) error
	Description string
	// Index hints; collections build these indexes on creation.
	Index  bool
	Unique bool
	Sparse bool
}

// Schema maps field paths to descriptors.
type Schema map[string]FieldDescriptor

// ValidationError carries the failing field path and reason.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: field %q %s", util.ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return util.ErrValidation }

// ApplyDefaults fills absent fields that declare a default. Function
// defaults are evaluated at call time.
func (s Schema) ApplyDefaults(doc storage.Document) {
	for path, fd := range s {
		if _, exists := doc.GetPath(path); exists {
			continue
		}
		if fd.DefaultFn != nil {
			doc.SetPath(path, fd.DefaultFn())
		} else if fd.Default != nil {
			doc.SetPath(path, fd.Default)
		}
	}
}

// Validate checks doc against the schema, coercing typed fields in place
// where the descriptor allows it. In lenient mode (strict=false) failures
// come back as warnings and the document passes.
func (s Schema) Validate(doc storage.Document, strict bool) ([]string, error) {
	var warnings []string

	for path, fd := range s {
		value, exists := doc.GetPath(path)

		if !exists {
			if fd.Required {
				verr := &ValidationError{Field: path, Reason: "is required"}
				if strict {
					return warnings, verr
				}
				warnings = append(warnings, verr.Error())
			}
			continue
		}

		coerced, err := coerceValue(value, fd)
		if err != nil {
			verr := &ValidationError{Field: path, Reason: err.Error()}
			if strict {
				return warnings, verr
			}
			warnings = append(warnings, verr.Error())
			continue
		}
		if coerced != nil {
			doc.SetPath(path, coerced)
		}

		if fd.Validator != nil {
			cur, _ := doc.GetPath(path)
			if err := fd.Validator(cur); err != nil {
				verr := &ValidationError{Field: path, Reason: err.Error()}
				if strict {
					return warnings, verr
				}
				warnings = append(warnings, verr.Error())
			}
		}
	}
	return warnings, nil
}

// coerceValue checks value against the declared type, converting when the
// descriptor opts into coercion. Returns a non-nil replacement value when a
// conversion happened.
func coerceValue(value interface{}, fd FieldDescriptor) (interface{}, error) {
	switch fd.Type {
	case "", FieldAny:
		return nil, nil
	case FieldString:
		if _, ok := value.(string); ok {
			return nil, nil
		}
		if fd.Coerce {
			return fmt.Sprintf("%v", value), nil
		}
		return nil, fmt.Errorf("expected string, got %T", value)
	case FieldInt:
		switch v := value.(type) {
		case int64:
			return nil, nil
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
			if fd.Coerce {
				return int64(v), nil
			}
			return nil, fmt.Errorf("expected integer, got %v", v)
		case string:
			if fd.Coerce {
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("cannot coerce %q to int", v)
				}
				return n, nil
			}
		}
		return nil, fmt.Errorf("expected int, got %T", value)
	case FieldNumber:
		switch v := value.(type) {
		case float64, float32, int, int32, int64:
			return nil, nil
		case string:
			if fd.Coerce {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return nil, fmt.Errorf("cannot coerce %q to number", v)
				}
				return f, nil
			}
		}
		return nil, fmt.Errorf("expected number, got %T", value)
	case FieldBoolean:
		switch v := value.(type) {
		case bool:
			return nil, nil
		case string:
			if fd.Coerce {
				b, err := strconv.ParseBool(v)
				if err != nil {
					return nil, fmt.Errorf("cannot coerce %q to boolean", v)
				}
				return b, nil
			}
		}
		return nil, fmt.Errorf("expected boolean, got %T", value)
	case FieldArray:
		if _, ok := value.([]interface{}); ok {
			return nil, nil
		}
		return nil, fmt.Errorf("expected array, got %T", value)
	case FieldObject:
		if _, ok := value.(map[string]interface{}); ok {
			return nil, nil
		}
		return nil, fmt.Errorf("expected object, got %T", value)
	default:
		return nil, fmt.Errorf("unknown field type %q", fd.Type)
	}
}

// validator bundles the descriptor schema with an optional raw JSON Schema.
// Both must pass for a document to be stored.
type validator struct {
	schema     Schema
	jsonSchema *gojsonschema.Schema
	strict     bool
	log        *slog.Logger
}

func newValidator(schema Schema, rawJSONSchema string, strict bool) (*validator, error) {
	v := &validator{schema: schema, strict: strict, log: logger.ForComponent("schema")}
	if rawJSONSchema != "" {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(rawJSONSchema))
		if err != nil {
			return nil, fmt.Errorf("invalid json schema: %w", err)
		}
		v.jsonSchema = compiled
	}
	return v, nil
}

func (v *validator) validate(doc storage.Document) error {
	warnings, err := v.schema.Validate(doc, v.strict)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		v.log.Warn("lenient validation", "warning", w)
	}

	if v.jsonSchema != nil {
		result, err := v.jsonSchema.Validate(gojsonschema.NewGoLoader(map[string]interface{}(doc)))
		if err != nil {
			return fmt.Errorf("schema validation error: %w", err)
		}
		if !result.Valid() {
			first := result.Errors()[0]
			return &ValidationError{Field: first.Field(), Reason: first.Description()}
		}
	}
	return nil
}
