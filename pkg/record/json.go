package record

import (
	"bytes"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// DecodeJSON decodes one JSON document. Integral numbers become int64 and
// the rest float64, so that the years coercion sees the same kinds of values
// it would see from a store that keeps integer and float types apart.
func DecodeJSON(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return Record(fromJSONValue(m).(map[string]any)), nil
}

// DecodeJSONFloats decodes one JSON document with every number as float64.
// It suits stores with a single numeric type, where 2021.0 is written back
// as 2021 and an int64 on read would no longer match what was stored.
func DecodeJSONFloats(data []byte) (Record, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("decode record: not an object")
	}
	return Record(m), nil
}

// DecodeJSONArray decodes a JSON array of documents.
func DecodeJSONArray(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var docs []map[string]any
	if err := dec.Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	out := make([]Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, Record(fromJSONValue(d).(map[string]any)))
	}
	return out, nil
}

// EncodeJSON encodes the record as a JSON object.
func EncodeJSON(r Record) ([]byte, error) {
	return json.Marshal(map[string]any(r))
}

func fromJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = fromJSONValue(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = fromJSONValue(e)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
