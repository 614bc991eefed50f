package ledger

import (
	"bytes"
	"encoding/json"
)

// DecodeEntry parses one JSON-encoded entry. Numbers inside Details keep
// their literal form so the decoded entry hashes exactly as it did when it
// was recorded.
func DecodeEntry(b []byte) (Entry, error) {
	var e Entry
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// EncodeDetails returns the canonical JSON of details, or "" when empty.
func EncodeDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "", nil
	}
	b, err := canonicalJSON(details)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeDetails is the inverse of EncodeDetails.
func DecodeDetails(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var details map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	if err := dec.Decode(&details); err != nil {
		return nil, err
	}
	return details, nil
}
