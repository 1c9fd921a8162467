package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"willow/internal/normalize"
)

// ParseJSONBytes decodes a JSON object or array of objects into raw fields.
// Numbers are kept in their textual form so that millisecond timestamps do
// not lose precision.
func ParseJSONBytes(data []byte) ([]normalize.Fields, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, errors.New("empty json payload")
	}
	dec := json.NewDecoder(bytes.NewReader(trim))
	dec.UseNumber()
	if trim[0] == '[' {
		var list []map[string]interface{}
		if err := dec.Decode(&list); err != nil {
			return nil, err
		}
		out := make([]normalize.Fields, 0, len(list))
		for _, obj := range list {
			out = append(out, ParseJSONMap(obj)...)
		}
		return out, nil
	}
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap extracts fields from one object. An object carrying a
// "samples" array yields one record per entry, inheriting the point id.
func ParseJSONMap(obj map[string]interface{}) []normalize.Fields {
	flat := make(map[string]string, len(obj))
	var samples []interface{}
	for key, val := range obj {
		k := strings.ToLower(key)
		if k == "samples" {
			if list, ok := val.([]interface{}); ok {
				samples = list
			}
			continue
		}
		if val == nil {
			continue
		}
		flat[k] = fmt.Sprint(val)
	}
	base := fieldsFrom(flat)
	if samples == nil {
		return []normalize.Fields{base}
	}
	out := make([]normalize.Fields, 0, len(samples))
	for _, s := range samples {
		m, ok := s.(map[string]interface{})
		if !ok {
			continue
		}
		inner := make(map[string]string, len(m))
		for key, val := range m {
			if val != nil {
				inner[strings.ToLower(key)] = fmt.Sprint(val)
			}
		}
		f := fieldsFrom(inner)
		if f.PointID == "" {
			f.PointID = base.PointID
		}
		if f.Quality == "" {
			f.Quality = base.Quality
		}
		out = append(out, f)
	}
	return out
}

func fieldsFrom(m map[string]string) normalize.Fields {
	return normalize.Fields{
		PointID:   firstNonEmpty(m, "point_id", "pointid", "point", "twin_id", "trend_id", "id"),
		Timestamp: firstNonEmpty(m, "timestamp", "time", "ts", "source_timestamp"),
		Value:     firstNonEmpty(m, "value", "val", "v"),
		Quality:   firstNonEmpty(m, "quality", "q", "status"),
	}
}
