package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// parseJSON accepts an array of objects or a single object. Content that is
// not one JSON value but is valid line-delimited JSON falls back to NDJSON,
// which is how most alert exporters write their files.
func parseJSON(data []byte) ([]map[string]string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ingestErr(ReasonMalformed, "empty JSON bundle")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var root interface{}
	err := dec.Decode(&root)
	if err == nil {
		var extra interface{}
		if dec.Decode(&extra) != io.EOF {
			if trimmed[0] == '{' {
				return parseNDJSON(trimmed)
			}
			return nil, ingestErr(ReasonMalformed, "trailing data after top-level JSON value")
		}
	} else {
		if trimmed[0] == '{' {
			return parseNDJSON(trimmed)
		}
		return nil, ingestErr(ReasonMalformed, "invalid JSON: %v", err)
	}

	switch v := root.(type) {
	case []interface{}:
		records := make([]map[string]string, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]interface{})
			if !ok {
				return nil, ingestErr(ReasonMalformed, "element %d is not an object", i)
			}
			rec := make(map[string]string, len(obj))
			flatten("", obj, rec)
			records = append(records, rec)
		}
		return records, nil
	case map[string]interface{}:
		rec := make(map[string]string, len(v))
		flatten("", v, rec)
		return []map[string]string{rec}, nil
	default:
		return nil, ingestErr(ReasonMalformed, "top-level JSON must be an array of objects")
	}
}

// parseNDJSON reads one JSON object per non-blank line.
func parseNDJSON(data []byte) ([]map[string]string, error) {
	var records []map[string]string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), int(MaxBundleSize))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var obj map[string]interface{}
		if err := dec.Decode(&obj); err != nil {
			return nil, ingestErr(ReasonMalformed, "line %d: %v", lineNo, err)
		}
		rec := make(map[string]string, len(obj))
		flatten("", obj, rec)
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, ingestErr(ReasonMalformed, "read ndjson: %v", err)
	}
	return records, nil
}
