// Package causality links queue messages to the invocation that produced
// them through a reserved field in JSON object payloads.
package causality

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/valyala/fastjson"
)

// ParentKey is the reserved top-level field carrying the parent instance id.
const ParentKey = "$ParentId"

var parsers fastjson.ParserPool

// SetParent returns payload with ParentKey set to parentID. Payloads that are
// not JSON objects, and empty ids, are returned unchanged.
func SetParent(parentID string, payload []byte) []byte {
	if strings.TrimSpace(parentID) == "" {
		return payload
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return payload
	}
	p := parsers.Get()
	defer parsers.Put(p)
	v, err := p.ParseBytes(trimmed)
	if err != nil || v.Type() != fastjson.TypeObject {
		return payload
	}
	var arena fastjson.Arena
	v.Set(ParentKey, arena.NewString(parentID))
	return v.MarshalTo(nil)
}

// GetParent scans the top-level keys of body for ParentKey. Nested values
// are skipped token by token. Any parse error, a non-object body or a
// non-string marker yields ok=false.
func GetParent(body []byte) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return "", false
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return "", false
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return "", false
		}
		key, ok := keyTok.(string)
		if !ok {
			return "", false
		}
		if key == ParentKey {
			valTok, err := dec.Token()
			if err != nil {
				return "", false
			}
			id, ok := valTok.(string)
			if !ok || id == "" {
				return "", false
			}
			return id, true
		}
		if err := skipValue(dec); err != nil {
			return "", false
		}
	}
	return "", false
}

func skipValue(dec *json.Decoder) error {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
		if depth == 0 {
			return nil
		}
	}
}
