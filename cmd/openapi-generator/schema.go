package main

import (
	"reflect"
	"strings"
	"time"
	"unicode"
)

var timeType = reflect.TypeOf(time.Time{})

// schemaBuilder turns Go types into JSON schemas. Named struct types become
// component schemas referenced by $ref; the first type to claim a name keeps
// it and later types with the same name are prefixed with their package.
type schemaBuilder struct {
	schemas map[string]any
	names   map[reflect.Type]string
	owners  map[string]reflect.Type
}

func newSchemaBuilder() *schemaBuilder {
	return &schemaBuilder{
		schemas: make(map[string]any),
		names:   make(map[reflect.Type]string),
		owners:  make(map[string]reflect.Type),
	}
}

// add registers t, and every named struct it reaches, as component schemas.
func (b *schemaBuilder) add(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name, ok := b.names[t]; ok {
		return name
	}
	name := b.nameFor(t)
	b.names[t] = name
	b.owners[name] = t
	// Reserve before recursing so self-referencing types terminate.
	b.schemas[name] = nil
	b.schemas[name] = b.structSchema(t)
	return name
}

func (b *schemaBuilder) nameFor(t reflect.Type) string {
	name := t.Name()
	if _, taken := b.owners[name]; !taken {
		return name
	}
	pkg := t.PkgPath()
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		pkg = pkg[i+1:]
	}
	r := []rune(pkg)
	if len(r) > 0 {
		r[0] = unicode.ToUpper(r[0])
	}
	return string(r) + name
}

func (b *schemaBuilder) schema(t reflect.Type) map[string]any {
	if t.Kind() == reflect.Pointer {
		s := b.schema(t.Elem())
		if _, isRef := s["$ref"]; isRef {
			return map[string]any{"allOf": []any{s}, "nullable": true}
		}
		s["nullable"] = true
		return s
	}

	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return map[string]any{"type": "integer"}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer", "minimum": 0}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Struct:
		if t == timeType {
			return map[string]any{"type": "string", "format": "date-time"}
		}
		if t.Name() == "" {
			return b.structSchema(t)
		}
		return map[string]any{"$ref": "#/components/schemas/" + b.add(t)}
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return map[string]any{"type": "string", "format": "byte"}
		}
		return map[string]any{"type": "array", "items": b.schema(t.Elem())}
	case reflect.Map:
		return map[string]any{"type": "object", "additionalProperties": b.schema(t.Elem())}
	case reflect.Interface:
		return map[string]any{}
	default:
		return map[string]any{"type": "string"}
	}
}

func (b *schemaBuilder) structSchema(t reflect.Type) map[string]any {
	properties := make(map[string]any)
	var required []string

	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = field.Name
		}

		fs := b.schema(field.Type)
		if desc := field.Tag.Get("description"); desc != "" {
			fs["description"] = desc
		}
		properties[name] = fs

		if !strings.Contains(opts, "omitempty") && field.Type.Kind() != reflect.Pointer {
			required = append(required, name)
		}
	}

	s := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
