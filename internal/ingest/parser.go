package ingest

import (
	"encoding/csv"
	"strings"

	"willow/internal/normalize"
)

// Parser recognises JSON lines and CSV telemetry. A CSV header, when present,
// is remembered for the following lines; without one the column order is
// point_id,timestamp,value[,quality].
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns nil for blank lines and CSV headers.
func (p *Parser) ParseLine(line string) ([]normalize.Fields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		fields, err := ParseJSONBytes([]byte(trim))
		if err != nil {
			return nil, err
		}
		for i := range fields {
			fields[i].Raw = line
		}
		return fields, nil
	}
	f, err := p.csv.Parse(trim)
	if err != nil || f == nil {
		return nil, err
	}
	f.Raw = line
	return []normalize.Fields{*f}, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.Fields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	fields := &normalize.Fields{}
	if p.header != nil {
		for i, name := range p.header {
			if i >= len(record) {
				break
			}
			assignField(fields, name, record[i])
		}
		return fields, nil
	}
	positional := []string{"point_id", "timestamp", "value", "quality"}
	for i, name := range positional {
		if i >= len(record) {
			break
		}
		assignField(fields, name, record[i])
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "point_id", "point", "timestamp", "time", "ts", "value", "quality":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func assignField(fields *normalize.Fields, name string, value string) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "point_id", "pointid", "point", "twin_id", "trend_id", "id":
		fields.PointID = value
	case "timestamp", "time", "ts":
		fields.Timestamp = value
	case "value", "val", "v":
		fields.Value = value
	case "quality", "q", "status":
		fields.Quality = value
	}
}
