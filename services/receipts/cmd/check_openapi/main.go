package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"receiptscanner/pkg/queue"
	"receiptscanner/services/receipts/internal/app"
)

type openAPIDoc struct {
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
	Enum       []string          `yaml:"enum"`
}

// enumCheck pins a documented string enum to the values the service emits.
type enumCheck struct {
	schema   string
	property string
	values   []string
}

var enumChecks = []enumCheck{
	{
		schema:   "ProcessEvent",
		property: "type",
		values:   []string{string(app.EventProcessing), string(app.EventData), string(app.EventError)},
	},
	{
		schema:   "QueryEvent",
		property: "type",
		values:   []string{string(app.EventProcessing), string(app.EventDelta), string(app.EventDone), string(app.EventError)},
	},
	{
		schema:   "JobStatus",
		property: "status",
		values:   []string{queue.StatusQueued, queue.StatusProcessing, queue.StatusDone, queue.StatusFailed},
	},
	{
		schema:   "Answer",
		property: "contentType",
		values:   app.AnswerContentTypes(),
	},
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if err := check(doc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(doc openAPIDoc) error {
	errSchema, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errSchema); err != nil {
		return err
	}
	for _, c := range enumChecks {
		s, err := getSchema(doc, c.schema)
		if err != nil {
			return err
		}
		if err := validateEnum(c, s); err != nil {
			return err
		}
	}
	return nil
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	if !makeSet(s.Required)["error"] {
		return errors.New(`ErrorResponse.required must include "error"`)
	}
	errorProp, ok := s.Properties["error"]
	if !ok || errorProp.Type != "string" {
		return errors.New("ErrorResponse.error must be string")
	}
	return nil
}

func validateEnum(c enumCheck, s schema) error {
	if c.property == "type" && !makeSet(s.Required)["type"] {
		return fmt.Errorf(`%s.required must include "type"`, c.schema)
	}
	prop, ok := s.Properties[c.property]
	if !ok || prop.Type != "string" {
		return fmt.Errorf("%s.%s must be string", c.schema, c.property)
	}
	documented := sortedCopy(prop.Enum)
	emitted := sortedCopy(c.values)
	if !slices.Equal(documented, emitted) {
		return fmt.Errorf("%s.%s enum mismatch: documented %v, service emits %v", c.schema, c.property, documented, emitted)
	}
	return nil
}

func sortedCopy(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, strings.TrimSpace(item))
	}
	sort.Strings(out)
	return out
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
