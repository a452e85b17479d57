package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// outputSchema is the structural contract for the agent's result artifact:
// a JSON object whose primary result text is a non-empty string.
const outputSchema = `{
	"type": "object",
	"required": ["result"],
	"properties": {
		"result": {"type": "string", "minLength": 1},
		"subtype": {"type": "string"},
		"is_error": {"type": "boolean"}
	}
}`

var compiledOutputSchema = mustCompileOutputSchema()

func mustCompileOutputSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(outputSchema))
	if err != nil {
		panic(fmt.Sprintf("parse output schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("output.schema.json", doc); err != nil {
		panic(fmt.Sprintf("add output schema: %v", err))
	}
	sch, err := c.Compile("output.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile output schema: %v", err))
	}
	return sch
}

// Output is the parsed result artifact written by the agent process.
type Output struct {
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// ValidateOutput checks the artifact at path against the success contract:
// it must exist, exceed minBytes, parse as JSON, carry no error marker, and
// satisfy the result schema. Any violation is an *OutputError even though the
// OS-level exit code was zero.
func ValidateOutput(path string, minBytes int64) (*Output, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &OutputError{Path: path, Reason: "artifact not written"}
		}
		return nil, fmt.Errorf("stat agent output: %w", err)
	}
	if info.Size() < minBytes {
		return nil, &OutputError{Path: path, Reason: fmt.Sprintf("artifact too small (%d bytes, minimum %d)", info.Size(), minBytes)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent output: %w", err)
	}

	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &OutputError{Path: path, Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}

	// Explicit error markers fail the run regardless of structure.
	if out.Subtype == "error" {
		return nil, &OutputError{Path: path, Reason: fmt.Sprintf("error result: %s", out.Result)}
	}
	if out.IsError {
		return nil, &OutputError{Path: path, Reason: fmt.Sprintf("is_error set: %s", out.Result)}
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, &OutputError{Path: path, Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if err := compiledOutputSchema.Validate(doc); err != nil {
		return nil, &OutputError{Path: path, Reason: fmt.Sprintf("schema violation: %v", err)}
	}

	return &out, nil
}

// LoadOutput parses an already-validated artifact. Used by the response
// router for delivery.
func LoadOutput(path string) (*Output, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent output: %w", err)
	}
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse agent output: %w", err)
	}
	return &out, nil
}
