package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/c360studio/semstreams/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/fusionledger/api"
	"github.com/c360studio/fusionledger/broadcast"
)

func fusionSpecs() map[string]*service.OpenAPISpec {
	return map[string]*service.OpenAPISpec{api.ServiceName: api.OpenAPISpec()}
}

func TestBuildDocument_Paths(t *testing.T) {
	doc := buildDocument(fusionSpecs(), "http://example:8420", "2.0.0")

	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Equal(t, "2.0.0", doc.Info.Version)
	assert.Equal(t, "http://example:8420", doc.Servers[0].URL)

	for _, path := range []string{"/ledger", "/ledger/{id}", "/ledger/{id}/broadcast", "/broadcasts/{id}/retry", "/stats"} {
		assert.Contains(t, doc.Paths, path)
	}
	ledgerPath := doc.Paths["/ledger"]
	require.NotNil(t, ledgerPath.Get)
	require.NotNil(t, ledgerPath.Post)
	assert.Nil(t, ledgerPath.Delete)
	assert.Contains(t, ledgerPath.Post.Responses, "201")

	require.Len(t, doc.Tags, 2)
	assert.Equal(t, "Broadcasts", doc.Tags[0].Name, "tags are sorted")
}

func TestBuildDocument_ReferencesResolve(t *testing.T) {
	doc := buildDocument(fusionSpecs(), "", "1.0.0")

	for path, item := range doc.Paths {
		for _, op := range []*Operation{item.Get, item.Post, item.Put, item.Delete} {
			if op == nil {
				continue
			}
			for code, resp := range op.Responses {
				for _, media := range resp.Content {
					ref, _ := media["schema"].(map[string]any)["$ref"].(string)
					name := strings.TrimPrefix(ref, "#/components/schemas/")
					assert.Contains(t, doc.Components.Schemas, name, "%s %s", path, code)
				}
			}
		}
	}
}

func TestSchemaBuilder_NamesAndNesting(t *testing.T) {
	b := newSchemaBuilder()
	for _, typ := range api.OpenAPISpec().ResponseTypes {
		b.add(typ)
	}

	// ledger.Export is registered first and keeps the short name.
	assert.Contains(t, b.schemas, "Export")
	assert.Contains(t, b.schemas, "BroadcastExport")
	assert.Contains(t, b.schemas, "Payload", "nested structs become components")
	assert.Contains(t, b.schemas, "Metadata")

	record := b.schemas["Record"].(map[string]any)
	props := record["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string", "format": "date-time"}, props["createdAt"])
	assert.Equal(t, "array", props["guardianRefs"].(map[string]any)["type"])
	assert.Contains(t, record["required"], "recordDigest")

	attempt := b.schemas["Attempt"].(map[string]any)
	aprops := attempt["properties"].(map[string]any)
	receipt := aprops["receipt"].(map[string]any)
	assert.Equal(t, true, receipt["nullable"])
	assert.NotContains(t, attempt["required"], "receipt")
	assert.NotContains(t, attempt["required"], "retryOf")

	assert.Equal(t, "Attempt", b.add(reflect.TypeOf(&broadcast.Attempt{})), "pointer resolves to the same component")
}

func TestWriteDocument(t *testing.T) {
	doc := buildDocument(fusionSpecs(), "http://localhost:8420", "1.0.0")
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "specs", "openapi.v3.yaml")
	require.NoError(t, writeDocument(yamlPath, doc))
	data, err := os.ReadFile(yamlPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# OpenAPI 3.0"))

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	assert.Equal(t, "3.0.3", parsed["openapi"])

	jsonPath := filepath.Join(dir, "openapi.json")
	require.NoError(t, writeDocument(jsonPath, doc))
	data, err = os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{"))
}

func TestRegisteredWithServiceRegistry(t *testing.T) {
	specs := service.GetAllOpenAPISpecs()
	assert.Contains(t, specs, api.ServiceName)
}
