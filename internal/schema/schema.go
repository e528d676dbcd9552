// Package schema wraps JSON Schema validation for request payloads and the
// assistant's config files, flattening failures into path: message issues.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Issue is one failed constraint.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return i.Path + ": " + i.Message
}

type Validator struct {
	name   string
	schema *jsonschema.Schema
}

func Compile(name, src string) (*Validator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Validator{name: name, schema: sch}, nil
}

// MustCompile is for package-level schemas known at build time.
func MustCompile(name, src string) *Validator {
	v, err := Compile(name, src)
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateJSON validates a raw JSON document.
func (v *Validator) ValidateJSON(raw []byte) []Issue {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return []Issue{{Path: "/", Message: "invalid JSON: " + err.Error()}}
	}
	return v.validate(inst)
}

// Validate validates any JSON-marshalable value, such as a decoded YAML
// document or a request struct.
func (v *Validator) Validate(doc any) []Issue {
	raw, err := json.Marshal(doc)
	if err != nil {
		return []Issue{{Path: "/", Message: "cannot encode document: " + err.Error()}}
	}
	return v.ValidateJSON(raw)
}

func (v *Validator) validate(inst any) []Issue {
	err := v.schema.Validate(inst)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Issue{{Path: "/", Message: err.Error()}}
	}
	var issues []Issue
	collect(ve, &issues)
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return issues
}

func collect(ve *jsonschema.ValidationError, out *[]Issue) {
	if len(ve.Causes) == 0 {
		*out = append(*out, Issue{
			Path:    "/" + strings.Join(ve.InstanceLocation, "/"),
			Message: ve.ErrorKind.LocalizedString(printer),
		})
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}

// Strings renders issues as "path: message".
func Strings(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.String()
	}
	return out
}
