package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder logged in place of secrets.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":       {},
	"env":           {},
	"component":     {},
	"error":         {},
	"reason":        {},
	"period_id":     {},
	"partner_id":    {},
	"obligation_id": {},
	"memo":          {},
	"tx_ref":        {},
}

// IsAllowlisted reports whether the key may be logged verbatim.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute that redacts value unless key is
// allowlisted. Empty values pass through so a missing secret stays visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskAddress keeps the first and last four characters of a wallet address.
func MaskAddress(key, addr string) slog.Attr {
	addr = strings.TrimSpace(addr)
	if len(addr) <= 12 {
		return MaskField(key, addr)
	}
	return slog.String(key, addr[:4]+"…"+addr[len(addr)-4:])
}
