package services

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/smsrelay/backend/internal/apperr"
)

// Request schema names.
const (
	SchemaTask     = "task"
	SchemaBulk     = "bulk"
	SchemaStatus   = "status"
	SchemaWithdraw = "withdraw"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrValidation matches, via errors.Is, every error the Validator returns.
var ErrValidation = apperr.Validation(apperr.CodeInvalidInput, "request body is invalid")

// Validator checks request bodies against the embedded JSON schemas before
// they are decoded.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	c.AssertFormat = true

	files, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		data, err := schemaFS.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", f, err)
		}
		name := strings.TrimSuffix(path.Base(f), ".json")
		if err := c.AddResource(schemaURL(name), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", name, err)
		}
		names = append(names, name)
	}

	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := c.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		schemas[name] = s
	}
	return &Validator{schemas: schemas}, nil
}

func schemaURL(name string) string {
	return "https://smsrelay.dev/schemas/" + name + ".json"
}

// Validate hard-rejects body unless it is JSON matching the named schema.
func (v *Validator) Validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return apperr.Validation(apperr.CodeInvalidInput, "body is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return apperr.Validation(apperr.CodeInvalidInput, describe(err))
	}
	return nil
}

// Decode validates body and then unmarshals it into dst.
func (v *Validator) Decode(name string, body []byte, dst any) error {
	if err := v.Validate(name, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.Validation(apperr.CodeInvalidInput, err.Error())
	}
	return nil
}

// describe reduces a schema error to its most specific cause.
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := strings.TrimPrefix(ve.InstanceLocation, "/")
	if loc == "" {
		return ve.Message
	}
	return loc + ": " + ve.Message
}
