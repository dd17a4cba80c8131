package livesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/adsync/internal/dashboard"
)

const (
	EventProductCreated  = "product:created"
	EventProductUpdated  = "product:updated"
	EventProductDeleted  = "product:deleted"
	EventBusinessCreated = "business:created"
	EventBusinessUpdated = "business:updated"
	EventBusinessDeleted = "business:deleted"
	EventUserUpdated     = "user:updated"
)

// Event is one frame on the push channel.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func (e Event) Patch() (dashboard.Patch, error) {
	var patch dashboard.Patch
	if err := json.Unmarshal(e.Data, &patch); err != nil {
		return nil, fmt.Errorf("%w: %s payload is not an object: %v", dashboard.ErrInvalidInput, e.Name, err)
	}
	if patch == nil {
		return nil, fmt.Errorf("%w: %s payload is null", dashboard.ErrInvalidInput, e.Name)
	}
	return patch, nil
}

const schemaBase = "https://schemas.adsync.dev/events/"

func productSchema() string {
	return `{
		"type": "object",
		"anyOf": [{"required": ["id"]}, {"required": ["_id"]}],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"_id": {"type": "string", "minLength": 1},
			"businessId": {"type": ["string", "null"]},
			"name": {"type": ["string", "null"]},
			"price": {"type": ["number", "null"]},
			"imageUrl": {"type": ["string", "null"]},
			"generatedImageUrl": {"type": ["string", "null"]},
			"advertisementText": {"type": ["string", "null"]},
			"imagePrompt": {"type": ["string", "null"]},
			"status": {"enum": ` + statusEnumJSON() + `},
			"postDate": {"type": ["string", "null"]},
			"createdAt": {"type": ["string", "null"]},
			"updatedAt": {"type": ["string", "null"]}
		}
	}`
}

const businessSchema = `{
	"type": "object",
	"required": ["businessId"],
	"properties": {
		"businessId": {"type": "string", "minLength": 1},
		"name": {"type": ["string", "null"]},
		"description": {"type": ["string", "null"]},
		"brandColors": {"type": ["array", "null"], "items": {"type": "string"}},
		"keywords": {"type": ["array", "null"], "items": {"type": "string"}}
	}
}`

const deletedSchema = `{
	"type": "object",
	"anyOf": [{"required": ["id"]}, {"required": ["_id"]}, {"required": ["businessId"]}],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"_id": {"type": "string", "minLength": 1},
		"businessId": {"type": "string"}
	}
}`

const userSchema = `{
	"type": "object",
	"properties": {
		"uid": {"type": "string"},
		"email": {"type": ["string", "null"]}
	}
}`

func statusEnumJSON() string {
	statuses := dashboard.KnownStatuses()
	quoted := make([]string, 0, len(statuses))
	for _, status := range statuses {
		quoted = append(quoted, `"`+string(status)+`"`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

// EventValidator checks push payloads against per-event JSON schemas before
// they reach the store.
type EventValidator struct {
	schemas map[string]*jsonschema.Schema
}

func NewEventValidator() (*EventValidator, error) {
	sources := map[string]string{
		EventProductCreated:  productSchema(),
		EventProductUpdated:  productSchema(),
		EventProductDeleted:  deletedSchema,
		EventBusinessCreated: businessSchema,
		EventBusinessUpdated: businessSchema,
		EventBusinessDeleted: deletedSchema,
		EventUserUpdated:     userSchema,
	}
	compiler := jsonschema.NewCompiler()
	for name, source := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", name, err)
		}
		if err := compiler.AddResource(schemaURL(name), doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", name, err)
		}
	}
	schemas := make(map[string]*jsonschema.Schema, len(sources))
	for name := range sources {
		schema, err := compiler.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		schemas[name] = schema
	}
	return &EventValidator{schemas: schemas}, nil
}

func schemaURL(eventName string) string {
	return schemaBase + strings.ReplaceAll(eventName, ":", "-") + ".json"
}

// Known reports whether the event name has a schema.
func (v *EventValidator) Known(name string) bool {
	_, ok := v.schemas[name]
	return ok
}

func (v *EventValidator) Validate(ev Event) error {
	schema, ok := v.schemas[ev.Name]
	if !ok {
		return fmt.Errorf("%w: unknown event %q", dashboard.ErrInvalidInput, ev.Name)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(ev.Data))
	if err != nil {
		return fmt.Errorf("%w: %s payload: %v", dashboard.ErrInvalidInput, ev.Name, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s payload: %v", dashboard.ErrInvalidInput, ev.Name, err)
	}
	return nil
}
