package sigma

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/ingest"
)

// testRule builds a minimal Sigma rule YAML for testing.
func testRule(id, title, field, value string) []byte {
	return []byte(`title: ` + title + `
id: ` + id + `
status: experimental
logsource:
  product: dfir
detection:
  selection:
    ` + field + `|contains: '` + value + `'
  condition: selection
level: high
`)
}

func textEvent(line string) ingest.CanonicalEvent {
	return ingest.CanonicalEvent{RawFields: map[string]string{"line": line}}
}

func TestEngine_New_LoadsRules(t *testing.T) {
	fakeFS := fstest.MapFS{
		"auth/test.yml": &fstest.MapFile{
			Data: testRule("t-001", "Test Rule", "search_text", "failed"),
		},
		"README.md": &fstest.MapFile{Data: []byte("not a rule")},
	}
	eng, err := New(fakeFS)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if eng.RuleCount() != 1 {
		t.Errorf("expected 1 rule, got %d", eng.RuleCount())
	}
}

func TestEngine_New_InvalidRule(t *testing.T) {
	fakeFS := fstest.MapFS{
		"bad.yml": &fstest.MapFile{Data: []byte("title: [unterminated")},
	}
	if _, err := New(fakeFS); err == nil {
		t.Fatal("expected error for invalid rule YAML")
	}
}

func TestEngine_Screen_Hit(t *testing.T) {
	fakeFS := fstest.MapFS{
		"auth.yml": &fstest.MapFile{
			Data: testRule("t-001", "Auth Failure", "search_text", "failed password"),
		},
	}
	eng, err := New(fakeFS)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events := []ingest.CanonicalEvent{
		textEvent("Accepted publickey for deploy"),
		textEvent("Failed password for root from 203.0.113.7"),
	}

	matches := eng.Screen(context.Background(), events)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].EventIndex != 1 {
		t.Errorf("EventIndex = %d, want 1", matches[0].EventIndex)
	}
	if matches[0].RuleTitle != "Auth Failure" {
		t.Errorf("RuleTitle = %q, want %q", matches[0].RuleTitle, "Auth Failure")
	}
	if matches[0].Level != "high" {
		t.Errorf("Level = %q, want %q", matches[0].Level, "high")
	}
}

func TestEngine_Screen_Miss(t *testing.T) {
	fakeFS := fstest.MapFS{
		"auth.yml": &fstest.MapFile{
			Data: testRule("t-001", "Auth Failure", "search_text", "failed password"),
		},
	}
	eng, _ := New(fakeFS)

	matches := eng.Screen(context.Background(), []ingest.CanonicalEvent{textEvent("session opened for user deploy")})
	if len(matches) != 0 {
		t.Errorf("expected 0 matches, got %d", len(matches))
	}
}

func TestEngine_Screen_IPField(t *testing.T) {
	fakeFS := fstest.MapFS{
		"ip.yml": &fstest.MapFile{
			Data: testRule("t-002", "Known Bad Source", "source_ip", "203.0.113."),
		},
	}
	eng, _ := New(fakeFS)

	events := []ingest.CanonicalEvent{
		{SourceIP: "198.51.100.4", RawFields: map[string]string{}},
		{SourceIP: "203.0.113.7", RawFields: map[string]string{}},
	}
	matches := eng.Screen(context.Background(), events)
	if len(matches) != 1 || matches[0].EventIndex != 1 {
		t.Fatalf("expected one match on event 1, got %+v", matches)
	}
}

func TestEngine_Screen_CancelledContext(t *testing.T) {
	eng, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	matches := eng.Screen(ctx, []ingest.CanonicalEvent{textEvent("mimikatz sekurlsa::logonpasswords")})
	if len(matches) != 0 {
		t.Errorf("expected no matches after cancel, got %d", len(matches))
	}
}

func TestNewDefault_EmbeddedRules(t *testing.T) {
	eng, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}
	if eng.RuleCount() < 5 {
		t.Errorf("expected at least 5 embedded rules, got %d", eng.RuleCount())
	}

	events := []ingest.CanonicalEvent{
		textEvent("GET /index.php?id=1 UNION SELECT password FROM users"),
		textEvent("heartbeat ok"),
	}
	matches := eng.Screen(context.Background(), events)
	if len(matches) == 0 {
		t.Fatal("expected the web attack rule to match")
	}
	for _, m := range matches {
		if m.EventIndex != 0 {
			t.Errorf("unexpected match on event %d (%s)", m.EventIndex, m.RuleTitle)
		}
	}
}

func TestEventFields_SearchTextLowercased(t *testing.T) {
	ev := ingest.CanonicalEvent{
		SourceIP:  "10.0.0.1",
		RawFields: map[string]string{"b": "World", "a": "Hello"},
	}
	fields := eventFields(ev)
	if fields["search_text"] != "hello world" {
		t.Errorf("search_text = %q, want %q", fields["search_text"], "hello world")
	}
	if fields["source_ip"] != "10.0.0.1" {
		t.Errorf("source_ip = %v", fields["source_ip"])
	}
}

func TestByEvent(t *testing.T) {
	grouped := ByEvent([]Match{{EventIndex: 2, RuleTitle: "a"}, {EventIndex: 2, RuleTitle: "b"}, {EventIndex: 5}})
	if len(grouped[2]) != 2 || len(grouped[5]) != 1 {
		t.Errorf("unexpected grouping: %+v", grouped)
	}
}
