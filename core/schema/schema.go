package schema

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// Validator is a utility to validate JSON payloads against a set of named
// schemas.
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

// NewValidatorFromFS creates a new Validator using all .json files from the
// root of schemaFS as top-level schemas. The schemas must carry an $id which
// becomes the schema identifier for validation.
func NewValidatorFromFS(schemaFS embed.FS) (*Validator, error) {
	var strs []string
	files, err := schemaFS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("cannot read schema dir %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		str, err := schemaFS.ReadFile(f.Name())
		if err != nil {
			return nil, fmt.Errorf("cannot read file '%s' %w", f.Name(), err)
		}
		strs = append(strs, string(str))
	}
	return NewValidator(strs)
}

// NewValidator creates a new Validator from the given top-level JSON schemas.
// Schemas cannot reference each other.
func NewValidator(schemas []string) (*Validator, error) {
	type schema struct {
		ID string `json:"$id"`
	}
	validator := Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		s := schema{}
		err := json.Unmarshal([]byte(str), &s)
		if err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s %s", s.ID, err)
		}
		validator.schemaValidators[s.ID] = compiled
	}

	return &validator, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemaValidators[schemaID]
	return ok
}

// ValidateStruct validates the given object against schemaID. If no error is
// returned, the object is valid.
func (v *Validator) ValidateStruct(obj interface{}, schemaID string) error {
	return v.validate(gojsonschema.NewGoLoader(obj), schemaID)
}

// ValidateBytes validates the given raw JSON against schemaID. If no error is
// returned, the payload is valid.
func (v *Validator) ValidateBytes(raw []byte, schemaID string) error {
	return v.validate(gojsonschema.NewBytesLoader(raw), schemaID)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {
	compiled, ok := v.schemaValidators[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s", schemaID)
	}

	result, err := compiled.Validate(loader)
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	var msgs []string
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}
