package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GenesisHash is the PreviousHash of the first entry in a chain.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// ComputeHash returns the digest of e's own fields chained to e.PreviousHash:
//
//	SHA-256(prev | seq | id | ts | action | risk | success | content)
//
// where content is the SHA-256 of the canonical JSON of the remaining
// descriptive fields (actor, session, channel, resource, ip, details).
// e.Hash itself is not an input.
func ComputeHash(e Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%t|%s",
		e.PreviousHash, e.Sequence, e.ID,
		e.Timestamp.UTC().Format(TimestampFormat),
		e.Action, e.RiskLevel, e.Success,
		contentDigest(e))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func contentDigest(e Entry) string {
	content := map[string]any{
		"actor":    e.ActorUserID,
		"session":  e.SessionID,
		"channel":  e.Channel,
		"resource": e.Resource,
		"ip":       e.IPAddress,
		"details":  e.Details,
	}
	b, err := canonicalJSON(content)
	if err != nil {
		// Unencodable details hash as their Go representation. Such an entry
		// cannot be stored anyway, but hashing must not fail.
		b = []byte(fmt.Sprintf("%v", content))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON encodes v with map keys sorted at every level and numbers
// kept in their literal form, so a value hashes the same before and after a
// round trip through any JSON-backed store.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}
