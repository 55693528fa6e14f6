package httpapi

import (
	"bytes"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// pushBodySchema validates the raw push payload before typed decoding, so
// malformed op envelopes are rejected with a 400 instead of surfacing as
// opaque decode errors deeper in the stack.
const pushBodySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ops", "clientRevision"],
  "additionalProperties": false,
  "properties": {
    "clientRevision": { "type": "integer", "minimum": 0 },
    "ops": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/op" }
    }
  },
  "$defs": {
    "card": {
      "type": "object",
      "required": ["id", "title"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "title": { "type": "string" },
        "description": { "type": "string" },
        "image": { "type": "string" },
        "pluginData": { "type": "object" }
      }
    },
    "column": {
      "type": "object",
      "required": ["id", "title", "cards"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "title": { "type": "string" },
        "cards": { "type": "array", "items": { "$ref": "#/$defs/card" } },
        "pluginData": { "type": "object" }
      }
    },
    "op": {
      "oneOf": [
        {
          "type": "object",
          "required": ["type", "value"],
          "properties": {
            "type": { "enum": ["board:name", "board:backgroundImage"] },
            "value": { "type": "string" }
          }
        },
        {
          "type": "object",
          "required": ["type", "key"],
          "properties": {
            "type": { "const": "board:pluginData" },
            "key": { "type": "string", "minLength": 1 }
          }
        },
        {
          "type": "object",
          "required": ["type", "column", "index"],
          "properties": {
            "type": { "const": "column:add" },
            "column": { "$ref": "#/$defs/column" },
            "index": { "type": "integer", "minimum": 0 }
          }
        },
        {
          "type": "object",
          "required": ["type", "columnId"],
          "properties": {
            "type": { "const": "column:remove" },
            "columnId": { "type": "string", "minLength": 1 }
          }
        },
        {
          "type": "object",
          "required": ["type", "orderedIds"],
          "properties": {
            "type": { "const": "column:reorder" },
            "orderedIds": { "type": "array", "items": { "type": "string" } }
          }
        },
        {
          "type": "object",
          "required": ["type", "columnId", "value"],
          "properties": {
            "type": { "const": "column:title" },
            "columnId": { "type": "string", "minLength": 1 },
            "value": { "type": "string" }
          }
        },
        {
          "type": "object",
          "required": ["type", "columnId", "key"],
          "properties": {
            "type": { "const": "column:pluginData" },
            "columnId": { "type": "string", "minLength": 1 },
            "key": { "type": "string", "minLength": 1 }
          }
        },
        {
          "type": "object",
          "required": ["type", "columnId", "cards"],
          "properties": {
            "type": { "const": "column:cards" },
            "columnId": { "type": "string", "minLength": 1 },
            "cards": { "type": "array", "items": { "$ref": "#/$defs/card" } }
          }
        }
      ]
    }
  }
}`

var pushSchema = mustCompilePushSchema()

func mustCompilePushSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushBodySchema))
	if err != nil {
		panic("httpapi: invalid push schema document: " + err.Error())
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("push.schema.json", doc); err != nil {
		panic("httpapi: add push schema resource: " + err.Error())
	}
	schema, err := compiler.Compile("push.schema.json")
	if err != nil {
		panic("httpapi: compile push schema: " + err.Error())
	}
	return schema
}

func validatePushBody(body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return pushSchema.Validate(instance)
}
