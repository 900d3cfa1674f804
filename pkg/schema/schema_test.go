package schema_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/pkg/schema"
	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type SearchType string

const (
	Web   SearchType = "web"
	Image SearchType = "image"
	Video SearchType = "video"
)

// Search represents a search request with various parameters.
type Search struct {
	Topic string     `json:"topic,omitempty" jsonschema:"title=Topic,description=Topic of the search\\, with coma.,example=golang"`
	Query string     `json:"query" jsonschema:"title=Query,description=Query to search for relevant content,example=what is golang"`
	Type  SearchType `json:"type"  jsonschema:"title=Type,description=Type of search,default=web,enum=web,enum=image,enum=video"`
	Args  []*KVPair  `json:"args,omitempty" jsonschema:"title=Args,description=Arguments for the search"`
	Prov  *KVPair    `json:"prov,omitempty" jsonschema:"title=Prov,description=Provider for the search"`
}

// KVPair represents a key-value pair.
type KVPair struct {
	Key   string `json:"key" jsonschema:"title=Key,description=Key of the pair"`
	Value string `json:"value" jsonschema:"title=Value,description=Value of the pair"`
}

func toJSONIndent(v any) string {
	js, _ := json.MarshalIndent(v, "", "\t")
	return string(js)
}

func TestSchema(t *testing.T) {
	t.Parallel()

	t.Run("Search", func(t *testing.T) {
		t.Parallel()
		s, err := schema.New(reflect.TypeOf(Search{}))
		require.NoError(t, err)

		exp := `{
	"properties": {
		"topic": {
			"type": "string",
			"title": "Topic",
			"description": "Topic of the search, with coma.",
			"examples": [
				"golang"
			]
		},
		"query": {
			"type": "string",
			"title": "Query",
			"description": "Query to search for relevant content",
			"examples": [
				"what is golang"
			]
		},
		"type": {
			"type": "string",
			"enum": [
				"web",
				"image",
				"video"
			],
			"title": "Type",
			"description": "Type of search",
			"default": "web"
		},
		"args": {
			"items": {
				"properties": {
					"key": {
						"type": "string",
						"title": "Key",
						"description": "Key of the pair"
					},
					"value": {
						"type": "string",
						"title": "Value",
						"description": "Value of the pair"
					}
				},
				"type": "object",
				"required": [
					"key",
					"value"
				]
			},
			"type": "array",
			"title": "Args",
			"description": "Arguments for the search"
		},
		"prov": {
			"properties": {
				"key": {
					"type": "string",
					"title": "Key",
					"description": "Key of the pair"
				},
				"value": {
					"type": "string",
					"title": "Value",
					"description": "Value of the pair"
				}
			},
			"type": "object",
			"required": [
				"key",
				"value"
			],
			"title": "Prov",
			"description": "Provider for the search"
		}
	},
	"type": "object",
	"required": [
		"query",
		"type"
	]
}`
		assert.Equal(t, exp, s.String())
		assert.Equal(t, exp, toJSONIndent(s.Parameters))

		require.Len(t, s.Params, 5)
		assert.Equal(t, "topic", s.Params[0].Name)
		assert.False(t, s.Params[0].Required)
		assert.Equal(t, "query", s.Params[1].Name)
		assert.True(t, s.Params[1].Required)
		assert.Equal(t, []any{"web", "image", "video"}, s.Params[2].Enum)
		assert.Equal(t, schema.TypeArray, s.Params[3].Type)
		require.NotNil(t, s.Params[3].Items)
		assert.Equal(t, schema.TypeObject, s.Params[3].Items.Type)
		assert.Len(t, s.Params[3].Items.Properties, 2)
		assert.Equal(t, schema.TypeObject, s.Params[4].Type)

		again, err := schema.New(reflect.TypeOf(Search{}))
		require.NoError(t, err)
		assert.Same(t, s, again)
	})

	t.Run("Weather", func(t *testing.T) {
		t.Parallel()

		type weatherRequest struct {
			Location string `json:"location" jsonschema:"description=City name"`
			Unit     string `json:"unit" jsonschema:"description=Unit of measurement,enum=celsius,enum=fahrenheit"`
		}

		s, err := schema.New(reflect.TypeOf(weatherRequest{}))
		require.NoError(t, err)
		exp := `{
	"properties": {
		"location": {
			"type": "string",
			"description": "City name"
		},
		"unit": {
			"type": "string",
			"enum": [
				"celsius",
				"fahrenheit"
			],
			"description": "Unit of measurement"
		}
	},
	"type": "object",
	"required": [
		"location",
		"unit"
	]
}`
		assert.Equal(t, exp, s.String())

		var sc jsonschema.Schema
		err = json.Unmarshal([]byte(exp), &sc)
		require.NoError(t, err)
		assert.Equal(t, 2, sc.Properties.Len())
	})

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()

		type noArgs struct{}
		s, err := schema.New(reflect.TypeOf(noArgs{}))
		require.NoError(t, err)
		assert.Equal(t, "object", s.Parameters.Type)
		assert.Empty(t, s.Params)
	})
}

func TestSchemaFromAny(t *testing.T) {
	t.Parallel()

	sc, err := schema.FromAny(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type": "string",
			},
		},
		"required": []string{"query"},
	})
	require.NoError(t, err)

	exp := `{
	"properties": {
		"query": {
			"type": "string"
		}
	},
	"type": "object",
	"required": [
		"query"
	]
}`
	assert.Equal(t, exp, toJSONIndent(sc))

	assert.Panics(t, func() {
		schema.MustFromAny([]string{"not", "a", "schema"})
	})
}

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		for _, raw := range []string{"", "  ", "null"} {
			s, err := schema.Parse(json.RawMessage(raw))
			require.NoError(t, err)
			assert.Equal(t, "object", s.Type)
			assert.Equal(t, 0, s.Properties.Len())
		}
	})

	t.Run("keeps order", func(t *testing.T) {
		s, err := schema.Parse(json.RawMessage(`{"type":"object","properties":{"zeta":{"type":"string"},"alpha":{"type":"integer"}},"required":["zeta"]}`))
		require.NoError(t, err)
		params := schema.ParamsOf(s)
		require.Len(t, params, 2)
		assert.Equal(t, "zeta", params[0].Name)
		assert.True(t, params[0].Required)
		assert.Equal(t, "alpha", params[1].Name)
		assert.Equal(t, schema.TypeInteger, params[1].Type)
	})

	t.Run("type union", func(t *testing.T) {
		s, err := schema.Parse(json.RawMessage(`{"properties":{"limit":{"type":["null","integer"]},"tags":{"type":"array","items":{"type":["string","null"]}}}}`))
		require.NoError(t, err)
		assert.Equal(t, "object", s.Type)
		params := schema.ParamsOf(s)
		require.Len(t, params, 2)
		byName := map[string]schema.Param{}
		for _, p := range params {
			byName[p.Name] = p
		}
		assert.Equal(t, schema.TypeInteger, byName["limit"].Type)
		require.NotNil(t, byName["tags"].Items)
		assert.Equal(t, schema.TypeString, byName["tags"].Items.Type)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := schema.Parse(json.RawMessage(`[1,2]`))
		assert.Error(t, err)
		_, err = schema.Parse(json.RawMessage(`{not json`))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	s, err := schema.Parse(json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"count": {"type": "integer"},
			"ratio": {"type": "number"},
			"force": {"type": "boolean"},
			"mode": {"type": "string", "enum": ["fast", "slow"]},
			"files": {"type": "array", "items": {"type": "string"}},
			"owner": {
				"type": "object",
				"properties": {"name": {"type": "string"}},
				"required": ["name"]
			},
			"extra": {}
		},
		"required": ["path"]
	}`))
	require.NoError(t, err)
	params := schema.ParamsOf(s)

	tcases := []struct {
		name string
		args map[string]any
		errs []string
	}{
		{
			name: "valid",
			args: map[string]any{
				"path":  "/tmp/a",
				"count": float64(3),
				"ratio": 0.5,
				"force": true,
				"mode":  "fast",
				"files": []any{"a", "b"},
				"owner": map[string]any{"name": "bob"},
				"extra": []any{1, "x"},
			},
		},
		{
			name: "int count",
			args: map[string]any{"path": "p", "count": 2},
		},
		{
			name: "missing required",
			args: map[string]any{},
			errs: []string{"path: required"},
		},
		{
			name: "nil is absent",
			args: map[string]any{"path": nil, "count": nil},
			errs: []string{"path: required"},
		},
		{
			name: "wrong types",
			args: map[string]any{"path": 1.0, "count": 1.5, "force": "yes"},
			errs: []string{
				"path: expected string, got number",
				"count: expected integer, got number",
				"force: expected boolean, got string",
			},
		},
		{
			name: "enum",
			args: map[string]any{"path": "p", "mode": "medium"},
			errs: []string{"mode: value medium is not one of [fast slow]"},
		},
		{
			name: "nested",
			args: map[string]any{"path": "p", "owner": map[string]any{}, "files": []any{"a", 2.0}},
			errs: []string{"files[1]: expected string, got number", "owner.name: required"},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			err := schema.Validate(params, tc.args)
			if len(tc.errs) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, schema.ErrInvalidArguments))
			for _, e := range tc.errs {
				assert.Contains(t, err.Error(), e)
			}
		})
	}
}
