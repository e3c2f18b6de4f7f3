package ingest

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/clbanning/mxj"
)

// elementField holds the record's element name unless the element already
// carries a field of that name.
const elementField = "element"

// parseXML emits one record per child element of the root, in document
// order, whatever the child's name. Attributes and element text are kept.
func parseXML(data []byte) ([]map[string]string, error) {
	if _, err := mxj.NewMapXml(data); err != nil {
		return nil, ingestErr(ReasonMalformed, "invalid XML: %v", err)
	}

	d := xml.NewDecoder(bytes.NewReader(data))
	inRoot := false
	var records []map[string]string
	for {
		start := d.InputOffset()
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ingestErr(ReasonMalformed, "invalid XML: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !inRoot {
				inRoot = true
				continue
			}
			if err := d.Skip(); err != nil {
				return nil, ingestErr(ReasonMalformed, "invalid XML: %v", err)
			}
			rec, err := xmlRecord(t.Name.Local, data[start:d.InputOffset()])
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		case xml.EndElement:
			inRoot = false
		}
	}
	return records, nil
}

// xmlRecord flattens one element into a record tagged with its name.
func xmlRecord(name string, elem []byte) (map[string]string, error) {
	m, err := mxj.NewMapXml(elem)
	if err != nil {
		return nil, ingestErr(ReasonMalformed, "invalid XML element <%s>: %v", name, err)
	}
	var value interface{}
	for _, v := range m {
		value = v
	}

	rec := make(map[string]string)
	switch v := value.(type) {
	case map[string]interface{}:
		flatten("", stripXMLKeys(v), rec)
	default:
		flatten("text", v, rec)
	}
	if _, taken := rec[elementField]; !taken {
		rec[elementField] = name
	}
	return rec, nil
}

// stripXMLKeys renames mxj attribute ("-name") and text ("#text") keys to
// plain field names. A name already used by a child element keeps a marker:
// "@name" for the attribute and "#text" for the text.
func stripXMLKeys(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		name := k
		switch {
		case strings.HasPrefix(k, "-"):
			plain := k[1:]
			if _, clash := m[plain]; clash {
				name = "@" + plain
			} else {
				name = plain
			}
		case k == "#text":
			_, child := m["text"]
			_, attr := m["-text"]
			if !child && !attr {
				name = "text"
			}
		}
		if child, ok := v.(map[string]interface{}); ok {
			v = stripXMLKeys(child)
		}
		out[name] = v
	}
	return out
}
