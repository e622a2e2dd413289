package outbox

import "example.com/mileage/internal/events"

const activityIngestedSchema = `{
  "type": "object",
  "title": "ActivityIngested",
  "properties": {
    "activity_id": {"type": "string"},
    "user_id": {"type": "string"},
    "provider": {"type": "string"},
    "external_id": {"type": "string"},
    "base_miles": {"type": "string"},
    "duration_sec": {"type": "integer"},
    "started_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "user_id", "provider", "external_id", "base_miles", "started_at"],
  "additionalProperties": false
}`

const correctionAppliedSchema = `{
  "type": "object",
  "title": "CorrectionApplied",
  "properties": {
    "correction_id": {"type": "string"},
    "activity_id": {"type": "string"},
    "user_id": {"type": "string"},
    "delta_miles": {"type": "string"},
    "reason": {"type": "string"},
    "source": {"type": "string", "enum": ["manual", "system"]},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["correction_id", "activity_id", "user_id", "delta_miles", "source", "occurred_at"],
  "additionalProperties": false
}`

const incidentLoggedSchema = `{
  "type": "object",
  "title": "IncidentLogged",
  "properties": {
    "incident_id": {"type": "string"},
    "type": {"type": "string", "enum": ["info", "warning", "error"]},
    "msg": {"type": "string"},
    "user_id": {"type": "string"},
    "provider": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["incident_id", "type", "msg", "occurred_at"],
  "additionalProperties": false
}`

var schemaCatalog = map[string]string{
	events.TypeActivityIngested:  activityIngestedSchema,
	events.TypeCorrectionApplied: correctionAppliedSchema,
	events.TypeIncidentLogged:    incidentLoggedSchema,
}

func schemaFor(eventType string) (string, bool) {
	schema, ok := schemaCatalog[eventType]
	return schema, ok
}
