package forward

import (
	"bytes"
	"encoding/json"
	"math"
	"path"
	"strconv"
	"strings"

	"mqtt-edge-gateway/internal/store"
)

const unknown = "unknown"

// Record is one polled store entry. It lives for a single forward cycle.
type Record struct {
	Key      string
	Type     store.KeyType
	Value    interface{}
	Source   string
	Device   string
	DataType string
}

// Property is one entry of the property report.
type Property struct {
	Source   string      `json:"source"`
	Device   string      `json:"device"`
	DataType string      `json:"data_type"`
	Value    interface{} `json:"value"`
}

// Report is the body published on the property topic.
type Report struct {
	Timestamp int64      `json:"timestamp"`
	Property  []Property `json:"property"`
}

// ParseKey splits "service:channel:dataType". Missing parts become
// "unknown"; segments past the third are ignored.
func ParseKey(key string) (source, device, dataType string) {
	parts := strings.Split(key, ":")
	switch {
	case len(parts) >= 3:
		return parts[0], parts[1], parts[2]
	case len(parts) == 2:
		return parts[0], parts[1], unknown
	default:
		return key, unknown, unknown
	}
}

// NormalizeValue converts a numeric-looking string to a number. Integral
// values become int64, others float64; anything else is returned unchanged.
func NormalizeValue(s string) interface{} {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return s
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

// NormalizeMap applies NormalizeValue to every value of m.
func NormalizeMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = NormalizeValue(v)
	}
	return out
}

// DecodeScalar returns the JSON value held in s, or s itself when it is not
// valid JSON. Numbers decode to int64 when integral, float64 otherwise.
// String values inside objects are normalized like hash fields.
func DecodeScalar(s string) interface{} {
	if !json.Valid([]byte(s)) {
		return s
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return s
	}
	return convertNumbers(v)
}

func convertNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		return NormalizeValue(t.String())
	case map[string]interface{}:
		for k, e := range t {
			if str, ok := e.(string); ok {
				t[k] = NormalizeValue(str)
				continue
			}
			t[k] = convertNumbers(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = convertNumbers(e)
		}
		return t
	default:
		return v
	}
}

// Filter drops keys matching any of the exclude globs.
type Filter struct {
	exclude []string
}

// NewFilter validates the exclude patterns. Malformed ones are returned so
// the caller can log them; they never match.
func NewFilter(exclude []string) (Filter, []string) {
	var bad []string
	f := Filter{}
	for _, p := range exclude {
		if _, err := path.Match(p, ""); err != nil {
			bad = append(bad, p)
			continue
		}
		f.exclude = append(f.exclude, p)
	}
	return f, bad
}

// Excluded reports whether key matches an exclude pattern.
func (f Filter) Excluded(key string) bool {
	for _, p := range f.exclude {
		if ok, _ := path.Match(p, key); ok {
			return true
		}
	}
	return false
}

// Group is the set of records sharing a group key.
type Group struct {
	Key     string
	Records []Record
}

// GroupRecords groups records by source and data type (and device when
// byChannel is set), keeping first-seen group order and record order.
func GroupRecords(records []Record, byChannel bool) []Group {
	index := make(map[string]int)
	var groups []Group
	var b bytes.Buffer
	for _, r := range records {
		b.Reset()
		b.WriteString(r.Source)
		if byChannel {
			b.WriteByte(':')
			b.WriteString(r.Device)
		}
		b.WriteByte(':')
		b.WriteString(r.DataType)
		k := b.String()

		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Group{Key: k})
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	return groups
}

// SplitBatches cuts records into ordered chunks of at most size.
func SplitBatches(records []Record, size int) [][]Record {
	if size <= 0 || len(records) <= size {
		return [][]Record{records}
	}
	batches := make([][]Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}
