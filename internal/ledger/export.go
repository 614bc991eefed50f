package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Format selects an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ErrUnknownFormat is returned for an export format other than json or csv.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat validates an export format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

var csvHeader = []string{
	"id", "sequence", "timestamp", "action", "actor_user_id", "session_id",
	"channel", "resource", "success", "risk_level", "ip_address", "details",
	"previous_hash", "hash",
}

// Export serializes the entries matching f.
func (l *Ledger) Export(ctx context.Context, f Filter, format Format) ([]byte, error) {
	if format != FormatJSON && format != FormatCSV {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	entries, err := l.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	return Encode(entries, format)
}

// Encode writes entries as a JSON array or as CSV with a header row.
func Encode(entries []Entry, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		if entries == nil {
			entries = []Entry{}
		}
		return json.MarshalIndent(entries, "", "  ")
	case FormatCSV:
		return encodeCSV(entries)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func encodeCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		details := ""
		if len(e.Details) > 0 {
			b, err := canonicalJSON(e.Details)
			if err != nil {
				return nil, fmt.Errorf("encode details of %s: %w", e.ID, err)
			}
			details = string(b)
		}
		row := []string{
			e.ID,
			strconv.FormatInt(e.Sequence, 10),
			e.Timestamp.UTC().Format(TimestampFormat),
			string(e.Action),
			e.ActorUserID,
			e.SessionID,
			e.Channel,
			e.Resource,
			strconv.FormatBool(e.Success),
			string(e.RiskLevel),
			e.IPAddress,
			details,
			e.PreviousHash,
			e.Hash,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
