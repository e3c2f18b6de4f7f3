package ingest

import (
	"bufio"
	"bytes"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	isoPrefix    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	syslogPrefix = regexp.MustCompile(`^[A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}`)
	ipv4Pattern  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// parseText turns each non-blank line into an event. The first and second
// IPv4 literals on a line become source and target.
func parseText(data []byte) []CanonicalEvent {
	var events []CanonicalEvent
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), int(MaxBundleSize))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		ev := CanonicalEvent{
			RawFields: map[string]string{
				"line":    line,
				"line_no": strconv.Itoa(lineNo),
			},
		}
		if prefix := isoPrefix.FindString(line); prefix != "" {
			ev.Timestamp, _ = ParseTimestamp(prefix)
		} else if prefix := syslogPrefix.FindString(line); prefix != "" {
			ev.Timestamp, _ = ParseTimestamp(prefix)
		}

		var ips []string
		for _, candidate := range ipv4Pattern.FindAllString(line, -1) {
			if net.ParseIP(candidate) != nil {
				ips = append(ips, candidate)
			}
		}
		if len(ips) > 0 {
			ev.SourceIP = ips[0]
		}
		if len(ips) > 1 {
			ev.TargetIP = ips[1]
		}
		events = append(events, ev)
	}
	return events
}
