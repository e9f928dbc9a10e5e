// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package snapshot

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/store"
)

const schemaURL = "resume_meta_info.schema.json"

// metadataSchema describes the structure of persisted resume metadata.
// Ranges are checked by Validate after decoding.
const metadataSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["position", "layer", "layer_height", "file_progress",
               "collection_time", "save_time", "hotend_temp", "bed_temp"],
  "properties": {
    "position": {"$ref": "#/definitions/xyz"},
    "xyz_offsets": {"$ref": "#/definitions/xyz"},
    "fan_speeds": {
      "type": "object",
      "additionalProperties": {"type": "number"}
    },
    "layer": {"type": "integer"},
    "layer_height": {"type": "number"},
    "file_progress": {
      "type": "object",
      "required": ["position", "total_size", "progress_pct"],
      "properties": {
        "position": {"type": "integer"},
        "total_size": {"type": "integer"},
        "progress_pct": {"type": "number"}
      }
    },
    "active_extruder": {"type": "string"},
    "hotend_temp": {"type": "number"},
    "bed_temp": {"type": "number"},
    "save_time": {"type": "number"},
    "collection_time": {"type": "number"},
    "current_file": {"type": "string"},
    "save_id": {"type": "string"},
    "mcu_status": {
      "type": "object",
      "properties": {
        "moves_pending": {"type": "integer"},
        "min_move_time": {"type": "number"},
        "max_move_time": {"type": "number"}
      }
    }
  },
  "definitions": {
    "xyz": {
      "type": "object",
      "required": ["x", "y", "z"],
      "properties": {
        "x": {"type": "number"},
        "y": {"type": "number"},
        "z": {"type": "number"}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if schemaErr = compiler.AddResource(schemaURL, strings.NewReader(metadataSchema)); schemaErr != nil {
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// EncodeMetadata renders m as a quoted JSON string for the store.
func EncodeMetadata(m *ResumeMetadata) (string, error) {
	if err := Validate(&m.Snapshot); err != nil {
		return "", err
	}
	v, err := store.EncodeQuotedJSON(m)
	if err != nil {
		return "", perrors.StoreError(store.KeyResumeMeta, err)
	}
	return v, nil
}

// DecodeMetadata parses a stored resume_meta_info value. It returns
// nil without error for an empty record, as written by a reset.
func DecodeMetadata(raw string) (*ResumeMetadata, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	text := raw
	if strings.HasPrefix(raw, `"`) || strings.HasPrefix(raw, `'`) {
		var err error
		if text, err = store.Unquote(raw); err != nil {
			return nil, perrors.ValidationError(store.KeyResumeMeta, err.Error())
		}
	}

	var doc interface{}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, perrors.ValidationError(store.KeyResumeMeta, err.Error())
	}
	if m, ok := doc.(map[string]interface{}); ok && len(m) == 0 {
		return nil, nil
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, perrors.Wrap(err, perrors.ErrRuntime, "compile resume metadata schema")
	}
	if err := sch.Validate(doc); err != nil {
		return nil, perrors.ValidationError(store.KeyResumeMeta, err.Error())
	}

	var m ResumeMetadata
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, perrors.ValidationError(store.KeyResumeMeta, err.Error())
	}
	if err := Validate(&m.Snapshot); err != nil {
		return nil, err
	}
	return &m, nil
}
