package httpapi

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed announcement.schema.json
var announcementSchemaJSON string

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("announcement.schema.json", strings.NewReader(announcementSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("announcement.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}
		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

// validateAnnouncement checks body against the embedded schema. Field errors
// are keyed by JSON pointer without the leading slash; document-level
// problems use the key "request".
func validateAnnouncement(body []byte) (map[string]string, error) {
	value, err := decodeStrictJSON(body)
	if err != nil {
		return map[string]string{"request": err.Error()}, nil
	}
	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	err = schema.Validate(value)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}
	fields := make(map[string]string)
	collectLeaves(ve, fields)
	return fields, nil
}

func collectLeaves(ve *jsonschema.ValidationError, out map[string]string) {
	if len(ve.Causes) == 0 {
		key := strings.TrimPrefix(ve.InstanceLocation, "/")
		if key == "" {
			key = "request"
		}
		if _, ok := out[key]; !ok {
			out[key] = ve.Message
		}
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, out)
	}
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("body is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("body contains trailing content")
	}
	return value, nil
}
