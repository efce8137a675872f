// Package record defines the self-describing Event Record written to
// per-host stream files, and the deterministic event_id digest that
// makes every record content-addressable.
package record

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/blake2s"
)

// Record is one append-only JSON object. Mandatory fields are promoted
// to struct fields so callers can't forget them; everything type-
// specific lives in Fields and is flattened into the JSON object at
// marshal time.
type Record struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Hostname  string         `json:"hostname"`
	EventID   string         `json:"event_id"`
	Fields    map[string]any `json:"-"`
}

// Now returns the current time formatted as UTC millisecond-resolution
// ISO-8601, the mandatory timestamp format for every record.
func Now() string {
	return FormatTime(time.Now())
}

// FormatTime renders t as UTC millisecond-resolution ISO-8601.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// digestSeparator is the field separator mandated by spec.md §6.
const digestSeparator = "\u001f"

// FieldSets enumerates, per record type, the ordered source fields
// that feed the event_id digest. Callers populate a Record's Fields
// map with at least these keys (dotted keys like "source.url" are
// resolved by allFields, which flattens nested maps) before calling
// ComputeEventID.
var FieldSets = map[string][]string{
	"memory":                    {"type", "hostname", "timestamp", "targetId", "sessionId", "url"},
	"console":                   {"type", "hostname", "timestamp", "level", "message", "source.url", "source.line"},
	"exception":                 {"type", "hostname", "timestamp", "message", "source.url", "source.line", "source.column"},
	"network_request_start":    {"type", "hostname", "timestamp", "requestId", "method", "url"},
	"network_request_complete": {"type", "hostname", "timestamp", "requestId", "status", "url"},
	"network_request_failed":   {"type", "hostname", "timestamp", "requestId", "url", "errorText"},
}

// ComputeEventID computes the BLAKE2s-10byte hex digest over the
// record's declared field set, in the order FieldSets specifies.
// Unknown types use every key in Fields sorted lexically, so ad hoc
// record types (gc, longtask, heap_sampling, storage_quota,
// domstorage_event, domstorage_snapshot, correlation) still get a
// stable, reproducible id even though spec.md only enumerates the
// field sets for the six types that need cross-implementation
// reproducibility.
func ComputeEventID(r *Record) (string, error) {
	fields, ok := FieldSets[r.Type]
	if !ok {
		fields = sortedKeys(r.allFields())
	}

	h, err := blake2s.New256(nil)
	if err != nil {
		return "", err
	}
	all := r.allFields()
	for i, f := range fields {
		if i > 0 {
			_, _ = h.Write([]byte(digestSeparator))
		}
		_, _ = h.Write([]byte(stringify(all[f])))
	}
	sum := h.Sum(nil)[:10]
	return hex.EncodeToString(sum), nil
}

// allFields returns the mandatory fields merged with Fields, with
// dotted lookups (e.g. "source.url") resolved against nested maps.
func (r *Record) allFields() map[string]string {
	out := map[string]string{
		"type":      r.Type,
		"hostname":  r.Hostname,
		"timestamp": r.Timestamp,
	}
	flatten("", r.Fields, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]any:
			flatten(key, vv, out)
		default:
			out[key] = stringify(v)
		}
	}
}

func stringify(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	default:
		return fmt.Sprint(vv)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New builds a Record, stamping the current time and computing the
// event_id over the supplied fields. hostname must already be the
// derived registrable host (see internal/hostutil).
func New(typ, hostname string, fields map[string]any) (Record, error) {
	r := Record{
		Type:      typ,
		Timestamp: Now(),
		Hostname:  hostname,
		Fields:    fields,
	}
	id, err := ComputeEventID(&r)
	if err != nil {
		return Record{}, err
	}
	r.EventID = id
	return r, nil
}

// MarshalJSON flattens Fields alongside the mandatory fields into a
// single JSON object, so every line on disk is a flat record rather
// than a {"fields": {...}} wrapper.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["type"] = r.Type
	out["timestamp"] = r.Timestamp
	out["hostname"] = r.Hostname
	out["event_id"] = r.EventID
	return json.Marshal(out)
}

// Verify recomputes event_id over the record's declared fields and
// reports whether it matches the stored value (the idempotency
// property from spec.md §8).
func Verify(r *Record) (bool, error) {
	id, err := ComputeEventID(r)
	if err != nil {
		return false, err
	}
	return id == r.EventID, nil
}

// FromJSON reconstructs a Record from one serialized NDJSON line,
// splitting the mandatory fields back out of the flattened object.
func FromJSON(data []byte) (Record, error) {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return Record{}, err
	}
	r := Record{Fields: make(map[string]any, len(flat))}
	for k, v := range flat {
		switch k {
		case "type":
			r.Type, _ = v.(string)
		case "timestamp":
			r.Timestamp, _ = v.(string)
		case "hostname":
			r.Hostname, _ = v.(string)
		case "event_id":
			r.EventID, _ = v.(string)
		default:
			r.Fields[k] = v
		}
	}
	return r, nil
}
