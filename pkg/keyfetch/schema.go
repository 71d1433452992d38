package keyfetch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// keyResponseSchema rejects malformed key documents before any
// cryptographic work happens.
const keyResponseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["server_name", "valid_until_ts", "verify_keys", "signatures"],
  "properties": {
    "server_name": {"type": "string", "minLength": 1},
    "valid_until_ts": {"type": "integer", "minimum": 0},
    "verify_keys": {
      "type": "object",
      "patternProperties": {
        "^ed25519:": {
          "type": "object",
          "required": ["key"],
          "properties": {"key": {"type": "string", "minLength": 1}}
        }
      },
      "additionalProperties": false,
      "minProperties": 1
    },
    "old_verify_keys": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["key", "expired_ts"],
        "properties": {
          "key": {"type": "string", "minLength": 1},
          "expired_ts": {"type": "integer", "minimum": 0}
        }
      }
    },
    "signatures": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var compiledKeySchema = jsonschema.MustCompileString("server_keys.json", keyResponseSchema)

func validateKeySchema(body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return compiledKeySchema.Validate(doc)
}
