package fieldsync

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed entities.yaml
var defaultEntitiesYAML []byte

const defaultPageSize = 50

var entityNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Bookkeeping columns owned by the store. Clients echo them back from pulled
// changes, so they are dropped from payloads instead of rejected.
var reservedFields = map[string]struct{}{
	"id":         {},
	"created_at": {},
	"updated_at": {},
	"updated_by": {},
	"version":    {},
}

type FieldSpec struct {
	Type string   `yaml:"type" json:"type"`
	Enum []string `yaml:"enum,omitempty" json:"enum,omitempty"`
}

type EntitySpec struct {
	Name     string               `yaml:"name" json:"name"`
	PageSize int                  `yaml:"page_size" json:"pageSize"`
	Fields   map[string]FieldSpec `yaml:"fields" json:"fields"`
}

type registryFile struct {
	Entities []EntitySpec `yaml:"entities"`
}

type compiledEntity struct {
	spec   EntitySpec
	schema *jsonschema.Schema
}

// Registry is the set of entities a client may write and pull. It is safe for
// concurrent use and can be swapped in place by Replace.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]*compiledEntity
}

func DefaultRegistry() (*Registry, error) {
	return ParseRegistry(defaultEntitiesYAML)
}

func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse entity registry: %w", err)
	}
	if len(file.Entities) == 0 {
		return nil, fmt.Errorf("%w: entity registry is empty", ErrInvalidInput)
	}
	r := &Registry{byName: map[string]*compiledEntity{}}
	for _, spec := range file.Entities {
		spec.Name = strings.TrimSpace(spec.Name)
		if !entityNamePattern.MatchString(spec.Name) {
			return nil, fmt.Errorf("%w: entity name %q", ErrInvalidInput, spec.Name)
		}
		if _, dup := r.byName[spec.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate entity %q", ErrInvalidInput, spec.Name)
		}
		if spec.PageSize <= 0 {
			spec.PageSize = defaultPageSize
		}
		schema, err := compileEntitySchema(spec)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", spec.Name, err)
		}
		r.order = append(r.order, spec.Name)
		r.byName[spec.Name] = &compiledEntity{spec: spec, schema: schema}
	}
	return r, nil
}

// Replace swaps in the entities of next, keeping r's identity for holders.
func (r *Registry) Replace(next *Registry) {
	if r == nil || next == nil || r == next {
		return
	}
	next.mu.RLock()
	order := append([]string(nil), next.order...)
	byName := make(map[string]*compiledEntity, len(next.byName))
	for k, v := range next.byName {
		byName[k] = v
	}
	next.mu.RUnlock()

	r.mu.Lock()
	r.order = order
	r.byName = byName
	r.mu.Unlock()
}

func (r *Registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Lookup(name string) (EntitySpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entity, ok := r.byName[name]
	if !ok {
		return EntitySpec{}, false
	}
	return entity.spec, true
}

func (r *Registry) PageSize(name string) int {
	spec, ok := r.Lookup(name)
	if !ok {
		return defaultPageSize
	}
	return spec.PageSize
}

// Validate checks the shape of op and returns a sanitized copy of its payload.
func (r *Registry) Validate(op SyncOperation) (map[string]any, error) {
	if strings.TrimSpace(op.ID) == "" {
		return nil, &ValidationError{Field: "id", Message: "operation id is required"}
	}
	if !op.Kind.Valid() {
		return nil, &ValidationError{Field: "operation", Message: fmt.Sprintf("unsupported operation %q", op.Kind)}
	}
	r.mu.RLock()
	entity, ok := r.byName[op.Entity]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownEntityError{Entity: op.Entity}
	}
	if strings.TrimSpace(op.RecordID) == "" {
		return nil, &ValidationError{Field: "recordId", Message: "record id is required"}
	}
	if op.Kind == OpDelete {
		return nil, nil
	}
	if op.ClientTimestamp.IsZero() {
		return nil, &ValidationError{Field: "clientTimestamp", Message: "client timestamp is required"}
	}
	if op.Payload == nil {
		return nil, &ValidationError{Field: "data", Message: "data is required for " + string(op.Kind)}
	}
	payload := make(map[string]any, len(op.Payload))
	for key, value := range op.Payload {
		if _, reserved := reservedFields[key]; reserved {
			continue
		}
		payload[key] = value
	}
	if err := validateAgainstSchema(entity.schema, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func compileEntitySchema(spec EntitySpec) (*jsonschema.Schema, error) {
	properties := make(map[string]any, len(spec.Fields))
	for name, field := range spec.Fields {
		if _, reserved := reservedFields[name]; reserved {
			return nil, fmt.Errorf("%w: field %q is reserved", ErrInvalidInput, name)
		}
		prop := map[string]any{}
		switch field.Type {
		case "", "any":
		case "string", "number", "integer", "boolean", "object", "array":
			prop["type"] = []string{field.Type, "null"}
		default:
			return nil, fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidInput, name, field.Type)
		}
		if len(field.Enum) > 0 {
			enum := make([]any, 0, len(field.Enum)+1)
			for _, v := range field.Enum {
				enum = append(enum, v)
			}
			prop["enum"] = append(enum, nil)
		}
		properties[name] = prop
	}
	doc := map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	location := spec.Name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, parsed); err != nil {
		return nil, err
	}
	return compiler.Compile(location)
}

func validateAgainstSchema(schema *jsonschema.Schema, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return &ValidationError{Field: "data", Message: "payload is not valid json: " + err.Error()}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Field: "data", Message: err.Error()}
	}
	if err := schema.Validate(inst); err != nil {
		return &ValidationError{Field: "data", Message: schemaErrorMessage(err)}
	}
	return nil
}

func schemaErrorMessage(err error) string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var leaves []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			leaves = append(leaves, e.Error())
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	sort.Strings(leaves)
	return strings.Join(leaves, "; ")
}
