package ingest

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Recognized field names, checked in order against lowercased keys.
var (
	timestampKeys = []string{"timestamp", "@timestamp", "time", "date", "datetime", "ts", "eventtime"}
	sourceKeys    = []string{"srcip", "src_ip", "source_ip", "sourceip", "src", "data.srcip", "client_ip"}
	targetKeys    = []string{"dstip", "dst_ip", "dest_ip", "destination_ip", "target_ip", "dst", "data.dstip", "agent.ip"}
)

// eventFromFields builds a canonical event from a flattened record.
func eventFromFields(fields map[string]string) CanonicalEvent {
	lower := make(map[string]string, len(fields))
	for k, v := range fields {
		lk := strings.ToLower(k)
		if _, dup := lower[lk]; !dup {
			lower[lk] = v
		}
	}

	ev := CanonicalEvent{RawFields: fields}
	for _, k := range timestampKeys {
		if v, ok := lower[k]; ok {
			if ts, ok := ParseTimestamp(v); ok {
				ev.Timestamp = ts
				break
			}
		}
	}
	ev.SourceIP = firstIP(lower, sourceKeys)
	ev.TargetIP = firstIP(lower, targetKeys)
	return ev
}

func firstIP(fields map[string]string, keys []string) string {
	for _, k := range keys {
		v := strings.TrimSpace(fields[k])
		if v != "" && net.ParseIP(v) != nil {
			return v
		}
	}
	return ""
}

// ParseTimestamp parses the heterogeneous timestamp formats found in alert
// logs. Ambiguous zones are read as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	// Trailing zone names such as "UTC" are common in analyst-written timestamps.
	s = strings.TrimSuffix(s, " UTC")
	if ts, err := dateparse.ParseIn(s, time.UTC); err == nil {
		return ts.UTC(), true
	}
	if ts, err := time.Parse(time.Stamp, s); err == nil {
		return ts, true
	}
	return time.Time{}, false
}

// flatten walks a decoded JSON/XML value and writes dot-path keys into out.
// Scalars keep their source text.
func flatten(prefix string, v interface{}, out map[string]string) {
	switch val := v.(type) {
	case map[string]interface{}:
		if len(val) == 0 && prefix != "" {
			out[prefix] = "{}"
		}
		for k, child := range val {
			flatten(joinKey(prefix, k), child, out)
		}
	case []interface{}:
		if len(val) == 0 && prefix != "" {
			out[prefix] = "[]"
		}
		for i, child := range val {
			flatten(joinKey(prefix, strconv.Itoa(i)), child, out)
		}
	case nil:
		out[prefix] = ""
	case string:
		out[prefix] = val
	case bool:
		out[prefix] = strconv.FormatBool(val)
	case float64:
		out[prefix] = strconv.FormatFloat(val, 'f', -1, 64)
	case interface{ String() string }:
		out[prefix] = val.String()
	default:
		out[prefix] = ""
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
