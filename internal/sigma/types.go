package sigma

// Match records a Sigma rule hit against one canonical event.
type Match struct {
	EventIndex int    `json:"event_index"`
	RuleTitle  string `json:"rule_title"`
	RuleID     string `json:"rule_id,omitempty"`
	Level      string `json:"level"` // informational | low | medium | high | critical
}
