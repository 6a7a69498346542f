package hostpool

import (
	"strings"
	"time"
)

// isoLayouts are the timestamp layouts SlotData.Timestamp is checked
// against. The coordinator always writes the first one (time.Now().UTC()
// formatted with microsecond precision, no offset), but parsing accepts
// the others too since nothing stops an operator from hand-editing a slot
// file to recover from a stuck lock.
var isoLayouts = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
}

// SlotData is the payload persisted in a slot file: either empty (the
// slot is free) or exactly "<prid>@<timestamp>".
type SlotData struct {
	Prid      string
	Timestamp string
}

// ParseSlotData parses the raw contents of a slot file. No validation is
// performed here — call IsValid separately. An empty string parses to the
// empty SlotData.
func ParseSlotData(raw string) SlotData {
	if raw == "" {
		return SlotData{}
	}
	prid, timestamp, _ := strings.Cut(raw, "@")
	return SlotData{Prid: prid, Timestamp: timestamp}
}

// IsEmpty reports whether the slot holds no payload at all.
func (d SlotData) IsEmpty() bool {
	return d.Prid == "" && d.Timestamp == ""
}

// IsValid reports whether d is well formed: empty, or a non-empty prid
// that does not contain "@" paired with a timestamp that parses as
// ISO-8601.
func (d SlotData) IsValid() bool {
	if d.IsEmpty() {
		return true
	}
	if d.Prid == "" || strings.Contains(d.Prid, "@") {
		return false
	}
	_, err := parseISO8601(d.Timestamp)
	return err == nil
}

// Serialize renders d back to the wire form: "" for the empty value,
// "<prid>@<timestamp>" otherwise.
func (d SlotData) Serialize() string {
	if d.IsEmpty() {
		return ""
	}
	return d.Prid + "@" + d.Timestamp
}

// Time parses Timestamp as ISO-8601 and returns the resulting time.Time.
// Timestamps are informational only; the coordinator never compares them
// for expiry decisions (spec §9 — no lease renewal).
func (d SlotData) Time() (time.Time, error) {
	return parseISO8601(d.Timestamp)
}

func parseISO8601(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range isoLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// nowISO8601 formats the current UTC time at microsecond precision, the
// layout the coordinator always writes.
func nowISO8601() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.999999")
}
