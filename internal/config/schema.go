package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchemaJSON is the structural contract for a config document,
// validated against a JSON Schema document rather than leaning on struct
// tags alone. It catches shape mistakes (wrong type, out-of-range
// interval, invalid enum) before decodeRawConfig ever runs, and gives an
// operator a precise pointer into their own file instead of a generic
// decode error.
const configSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "mu config",
  "type": "object",
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "control_plane": {
      "type": "object",
      "properties": {
        "operator": {
          "type": "object",
          "properties": {
            "wake_turn_mode": {"type": "string", "enum": ["passive", "active"]}
          }
        }
      }
    },
    "wake": {
      "type": "object",
      "properties": {
        "coalesce_window_ms": {"type": "integer", "minimum": 0}
      }
    },
    "heartbeat": {
      "type": "object",
      "properties": {
        "min_interval_ms": {"type": "integer", "minimum": 0},
        "auto_run_heartbeat_every_ms": {"type": "integer", "minimum": 0}
      }
    },
    "cron": {
      "type": "object",
      "properties": {
        "default_timezone": {"type": "string", "minLength": 1}
      }
    },
    "outbox": {
      "type": "object",
      "properties": {
        "attempt_timeout_ms": {"type": "integer", "minimum": 0},
        "backoff_base_ms": {"type": "integer", "minimum": 0},
        "backoff_max_ms": {"type": "integer", "minimum": 0},
        "max_attempts": {"type": "integer", "minimum": 0}
      }
    },
    "dag": {
      "type": "object",
      "properties": {
        "max_steps": {"type": "integer", "minimum": 0},
        "circuit_breaker_threshold": {"type": "integer", "minimum": 0}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "format": {"type": "string", "enum": ["json", "text"]}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledConfigSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("mu-config.schema.json", configSchemaJSON)
	})
	return compiledSchema, schemaErr
}

// validateSchema checks raw against configSchemaJSON before it is decoded
// into a Config, the way ValidateConfig checks a plugin's config against
// its manifest schema before the plugin ever sees it.
func validateSchema(raw map[string]any) error {
	schema, err := compiledConfigSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config for schema validation: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode config for schema validation: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("config schema validation failed: %w", err)
	}
	return nil
}
