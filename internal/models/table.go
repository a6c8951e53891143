package models

import (
	"strings"
)

// maxIdentifierLen is PostgreSQL's NAMEDATALEN-1; longer names are truncated by the server.
const maxIdentifierLen = 63

// TableIdentity names the table that stores one (underlying, expiry) option chain.
type TableIdentity string

// NewTableIdentity derives the deterministic table name for an underlying key and expiry,
// e.g. ("NSE_INDEX|Nifty 50", 2024-09-26) -> "nse_index_nifty_50_2024_09_26".
func NewTableIdentity(underlyingKey string, expiry Date) TableIdentity {
	suffix := "_" + strings.ReplaceAll(expiry.String(), "-", "_")
	key := sanitizeIdentifier(underlyingKey)
	if key == "" || (key[0] >= '0' && key[0] <= '9') {
		key = "oc_" + key
	}
	if len(key)+len(suffix) > maxIdentifierLen {
		key = key[:maxIdentifierLen-len(suffix)]
	}
	return TableIdentity(key + suffix)
}

func (t TableIdentity) String() string {
	return string(t)
}

// sanitizeIdentifier lowercases s and maps every rune outside [a-z0-9_] to '_'.
func sanitizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
