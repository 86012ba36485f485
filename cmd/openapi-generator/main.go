// Package main writes the OpenAPI 3.0 document for the fusionledger HTTP API.
// It reads the specs registered with the semstreams service registry and
// renders them, plus JSON schemas for every response type, as YAML or JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/c360studio/semstreams/service"
	"gopkg.in/yaml.v3"

	// Registers the fusionledger spec via init()
	_ "github.com/c360studio/fusionledger/api"
)

const header = `# OpenAPI 3.0 specification for the fusionledger API
# Generated by openapi-generator. Do not edit.

`

func main() {
	out := flag.String("o", "./specs/openapi.v3.yaml", "Output path (.yaml or .json)")
	server := flag.String("server", "http://localhost:8420", "Server URL written into the document")
	version := flag.String("version", "1.0.0", "API version")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	specs := service.GetAllOpenAPISpecs()
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	slices.Sort(names)
	logger.Info("Collected service specs", "count", len(specs), "services", strings.Join(names, ","))

	doc := buildDocument(specs, *server, *version)
	if err := writeDocument(*out, doc); err != nil {
		logger.Error("Failed to write OpenAPI document", "path", *out, "error", err)
		os.Exit(1)
	}
	logger.Info("Generated OpenAPI document", "path", *out, "paths", len(doc.Paths), "schemas", len(doc.Components.Schemas))
}

// Document is an OpenAPI 3.0 document.
type Document struct {
	OpenAPI    string              `yaml:"openapi" json:"openapi"`
	Info       Info                `yaml:"info" json:"info"`
	Servers    []Server            `yaml:"servers" json:"servers"`
	Paths      map[string]PathItem `yaml:"paths" json:"paths"`
	Components Components          `yaml:"components" json:"components"`
	Tags       []Tag               `yaml:"tags" json:"tags"`
}

type Info struct {
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description" json:"description"`
	Version     string `yaml:"version" json:"version"`
}

type Server struct {
	URL         string `yaml:"url" json:"url"`
	Description string `yaml:"description" json:"description"`
}

type Components struct {
	Schemas map[string]any `yaml:"schemas" json:"schemas"`
}

type Tag struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// PathItem holds the operations on one path.
type PathItem struct {
	Get    *Operation `yaml:"get,omitempty" json:"get,omitempty"`
	Post   *Operation `yaml:"post,omitempty" json:"post,omitempty"`
	Put    *Operation `yaml:"put,omitempty" json:"put,omitempty"`
	Delete *Operation `yaml:"delete,omitempty" json:"delete,omitempty"`
}

type Operation struct {
	Summary     string              `yaml:"summary" json:"summary"`
	Description string              `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string            `yaml:"tags,omitempty" json:"tags,omitempty"`
	Parameters  []Parameter         `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Responses   map[string]Response `yaml:"responses" json:"responses"`
}

type Parameter struct {
	Name        string         `yaml:"name" json:"name"`
	In          string         `yaml:"in" json:"in"`
	Required    bool           `yaml:"required,omitempty" json:"required,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Schema      map[string]any `yaml:"schema" json:"schema"`
}

type Response struct {
	Description string                    `yaml:"description" json:"description"`
	Content     map[string]map[string]any `yaml:"content,omitempty" json:"content,omitempty"`
}

func buildDocument(specs map[string]*service.OpenAPISpec, serverURL, version string) Document {
	doc := Document{
		OpenAPI: "3.0.3",
		Info: Info{
			Title:       "Fusionledger API",
			Description: "Append-only fusion ledger with integrity verification and network broadcast",
			Version:     version,
		},
		Servers:    []Server{{URL: serverURL, Description: "Ledger server"}},
		Paths:      make(map[string]PathItem),
		Components: Components{Schemas: make(map[string]any)},
	}

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	slices.Sort(names)

	schemas := newSchemaBuilder()
	tags := make(map[string]Tag)
	for _, name := range names {
		spec := specs[name]
		for path, ps := range spec.Paths {
			doc.Paths[path] = PathItem{
				Get:    convertOperation(ps.GET),
				Post:   convertOperation(ps.POST),
				Put:    convertOperation(ps.PUT),
				Delete: convertOperation(ps.DELETE),
			}
		}
		for _, t := range spec.Tags {
			if _, ok := tags[t.Name]; !ok {
				tags[t.Name] = Tag{Name: t.Name, Description: t.Description}
			}
		}
		for _, t := range spec.ResponseTypes {
			schemas.add(t)
		}
	}

	doc.Components.Schemas = schemas.schemas
	for _, name := range slices.Sorted(maps.Keys(tags)) {
		doc.Tags = append(doc.Tags, tags[name])
	}
	return doc
}

func convertOperation(op *service.OperationSpec) *Operation {
	if op == nil {
		return nil
	}
	out := &Operation{
		Summary:     op.Summary,
		Description: op.Description,
		Tags:        op.Tags,
		Responses:   make(map[string]Response, len(op.Responses)),
	}
	for _, p := range op.Parameters {
		out.Parameters = append(out.Parameters, Parameter{
			Name:        p.Name,
			In:          p.In,
			Required:    p.Required,
			Description: p.Description,
			Schema:      map[string]any{"type": p.Schema.Type},
		})
	}
	for code, resp := range op.Responses {
		r := Response{Description: resp.Description}
		if resp.SchemaRef != "" {
			contentType := resp.ContentType
			if contentType == "" {
				contentType = "application/json"
			}
			schema := map[string]any{"$ref": resp.SchemaRef}
			if resp.IsArray {
				schema = map[string]any{"type": "array", "items": schema}
			}
			r.Content = map[string]map[string]any{contentType: {"schema": schema}}
		}
		out.Responses[code] = r
	}
	return out
}

func writeDocument(path string, doc Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(doc, "", "  ")
	} else {
		data, err = yaml.Marshal(doc)
		data = append([]byte(header), data...)
	}
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
