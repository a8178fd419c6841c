package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSchemaUsesConfigKeys(t *testing.T) {
	schema := buildSchema()

	assert.Equal(t, "DittoBox Configuration", schema.Title)
	for _, key := range []string{"logging", "server", "accounts", "storage", "workers", "adapters"} {
		_, ok := schema.Properties.Get(key)
		assert.True(t, ok, "missing property %q", key)
	}

	adapters, ok := schema.Properties.Get("adapters")
	require.True(t, ok)
	_, ok = adapters.Properties.Get("box")
	assert.True(t, ok)
}

func TestWriteSchemaProducesJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSchema(&buf))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, schemaID, doc["$id"])
}

func TestRunWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, run(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}
