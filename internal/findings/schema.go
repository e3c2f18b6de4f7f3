package findings

// JSONSchema describes the findings contract for providers that support
// structured output.
var JSONSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"incident_title":    map[string]interface{}{"type": "string"},
		"incident_dates":    map[string]interface{}{"type": "string"},
		"executive_summary": map[string]interface{}{"type": "string"},
		"statistics_cards": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"number": map[string]interface{}{"type": "number"},
					"label":  map[string]interface{}{"type": "string"},
				},
				"required": []string{"number", "label"},
			},
		},
		"entry_points_html":    map[string]interface{}{"type": "string"},
		"timeline_description": map[string]interface{}{"type": "string"},
		"timeline_events": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"timestamp":   map[string]interface{}{"type": "string"},
					"title":       map[string]interface{}{"type": "string"},
					"description": map[string]interface{}{"type": "string"},
					"source_ip":   map[string]interface{}{"type": "string"},
					"target_ip":   map[string]interface{}{"type": "string"},
					"severity":    severitySchema,
				},
				"required": []string{"timestamp", "title"},
			},
		},
		"attack_objectives": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"objective": map[string]interface{}{"type": "string"},
					"details": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "string"},
					},
					"severity": severitySchema,
				},
				"required": []string{"objective", "details"},
			},
		},
		"iocs_html":            map[string]interface{}{"type": "string"},
		"recommendations_html": map[string]interface{}{"type": "string"},
		"conclusion":           map[string]interface{}{"type": "string"},
		"footer":               map[string]interface{}{"type": "string"},
	},
	"required": RequiredFields,
}

var severitySchema = map[string]interface{}{
	"type": "string",
	"enum": []string{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow},
}
