// Package validation checks transcript lines against the event JSON Schema.
package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed event.schema.json
var eventSchemaJSON string

// defaultPrinter is used to format schema validation error messages.
var defaultPrinter = message.NewPrinter(language.English)

// eventSchema is the compiled JSON Schema for one transcript line.
var eventSchema *jsonschema.Schema

func init() {
	eventSchema = mustCompileSchema(eventSchemaJSON, "event.schema.json")
}

func mustCompileSchema(raw string, name string) *jsonschema.Schema {
	var schemaDoc any
	if err := json.Unmarshal([]byte(raw), &schemaDoc); err != nil {
		panic(fmt.Sprintf("failed to parse embedded %s: %v", name, err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, schemaDoc); err != nil {
		panic(fmt.Sprintf("failed to add %s resource: %v", name, err))
	}

	sch, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to compile %s: %v", name, err))
	}
	return sch
}

// DecodeLine parses a JSON line the way the schema validator expects it,
// keeping numbers as json.Number.
func DecodeLine(line []byte) (any, error) {
	return jsonschema.UnmarshalJSON(bytes.NewReader(line))
}

// ValidateEvent validates a decoded transcript line and returns one message
// per violation.
func ValidateEvent(doc any) []string {
	return validateAgainstSchema(eventSchema, doc)
}

// ValidateEventBytes decodes and validates a raw transcript line.
func ValidateEventBytes(line []byte) []string {
	doc, err := DecodeLine(line)
	if err != nil {
		return []string{fmt.Sprintf("JSON parse error: %v", err)}
	}
	return ValidateEvent(doc)
}

func validateAgainstSchema(schema *jsonschema.Schema, instance any) []string {
	err := schema.Validate(instance)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{fmt.Sprintf("schema: %v", err)}
	}
	var errs []string
	collectSchemaErrors(ve, &errs)
	return errs
}

func collectSchemaErrors(ve *jsonschema.ValidationError, errs *[]string) {
	if len(ve.Causes) == 0 {
		loc := "/"
		if len(ve.InstanceLocation) > 0 {
			loc = "/" + strings.Join(ve.InstanceLocation, "/")
		}
		*errs = append(*errs, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(defaultPrinter)))
		return
	}
	for _, c := range ve.Causes {
		collectSchemaErrors(c, errs)
	}
}
