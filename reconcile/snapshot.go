package reconcile

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
)

// Record is one catalog item. Only ID and Name are interpreted; Raw is kept verbatim.
type Record struct {
	ID   int64
	Name string
	Raw  json.RawMessage
}

// Snapshot is the complete cached listing persisted under a single key.
type Snapshot struct {
	Items           []Record `json:"items"`
	StoredAtEpochMs int64    `json:"storedAtEpochMs"`
}

// ParseRecord validates a record payload. Payloads without a positive numeric id or a name are rejected.
func ParseRecord(data []byte) (Record, error) {
	if !gjson.ValidBytes(data) {
		return Record{}, fmt.Errorf("record is not valid JSON")
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return Record{}, fmt.Errorf("record is not an object")
	}
	id := parsed.Get("id")
	if id.Type != gjson.Number || id.Int() <= 0 {
		return Record{}, fmt.Errorf("record has no id")
	}
	name := parsed.Get("name")
	if name.Type != gjson.String || name.String() == "" {
		return Record{}, fmt.Errorf("record %d has no name", id.Int())
	}
	return Record{ID: id.Int(), Name: name.String(), Raw: append(json.RawMessage(nil), data...)}, nil
}

// MarshalJSON writes Raw when it carries the record's id, and the id and name otherwise.
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 && gjson.ValidBytes(r.Raw) {
		if id := gjson.GetBytes(r.Raw, "id"); id.Type == gjson.Number && id.Int() == r.ID {
			return r.Raw, nil
		}
	}
	return json.Marshal(struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}{r.ID, r.Name})
}

// UnmarshalJSON reads a stored record. Any numeric id is accepted and the name may be absent.
func (r *Record) UnmarshalJSON(data []byte) error {
	parsed, err := decodeStoredRecord(data)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func decodeStoredRecord(data []byte) (Record, error) {
	if !gjson.ValidBytes(data) {
		return Record{}, fmt.Errorf("record is not valid JSON")
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return Record{}, fmt.Errorf("record is not an object")
	}
	id := parsed.Get("id")
	if id.Type != gjson.Number {
		return Record{}, fmt.Errorf("record has no numeric id")
	}
	return Record{ID: id.Int(), Name: parsed.Get("name").String(), Raw: append(json.RawMessage(nil), data...)}, nil
}

// UnmarshalJSON decodes a persisted snapshot. Unreadable records are dropped one by one.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var wire struct {
		Items           []json.RawMessage `json:"items"`
		StoredAtEpochMs int64             `json:"storedAtEpochMs"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	items := make([]Record, 0, len(wire.Items))
	for i, raw := range wire.Items {
		record, err := decodeStoredRecord(raw)
		if err != nil {
			slog.Warn("Dropping unreadable snapshot record", slog.Int("index", i), slog.Any("error", err))
			continue
		}
		items = append(items, record)
	}
	s.Items = items
	s.StoredAtEpochMs = wire.StoredAtEpochMs
	return nil
}
