package models

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// campaignSchema guards the wire shape of imported campaign definitions
// before structural validation runs. Structural invariants (branch coverage,
// start-node count) live in ValidateGraph; this only rejects malformed JSON
// shapes early with a readable path.
const campaignSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "graph"],
  "properties": {
    "name": {"type": "string", "minLength": 3},
    "description": {"type": "string"},
    "status": {"type": "string", "enum": ["draft", "scheduled", "queued", "completed"]},
    "scheduled_at": {"type": "string"},
    "subjects": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "context": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    },
    "graph": {
      "type": "object",
      "required": ["nodes", "edges"],
      "properties": {
        "nodes": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["id", "type"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "type": {"type": "string", "enum": ["start", "action", "delay", "condition", "end"]},
              "data": {"type": "object"}
            }
          }
        },
        "edges": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["source", "target"],
            "properties": {
              "source": {"type": "string", "minLength": 1},
              "target": {"type": "string", "minLength": 1},
              "branch": {"type": "string", "enum": ["true", "false"]}
            }
          }
        }
      }
    }
  }
}`

var campaignSchemaLoader = gojsonschema.NewStringLoader(campaignSchema)

// ParseCampaign validates raw JSON against the campaign schema and decodes
// it. The returned error carries the first schema violation.
func ParseCampaign(data []byte) (*Campaign, error) {
	result, err := gojsonschema.Validate(campaignSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("campaign schema check failed: %w", err)
	}

	if !result.Valid() {
		first := result.Errors()[0]

		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidGraph, first.Field(), first.Description())
	}

	var campaign Campaign

	err = json.Unmarshal(data, &campaign)
	if err != nil {
		return nil, fmt.Errorf("failed to decode campaign: %w", err)
	}

	if campaign.Status == "" {
		campaign.Status = CampaignStatusDraft
	}

	return &campaign, nil
}
