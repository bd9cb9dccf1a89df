package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Domain prefixes for content-addressed keys.
// The version suffix leaves room for an algorithm change.
const (
	DomainTemplate = "space/template/v1"
	DomainEntry    = "space/entry/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator keeps domain and data from running together.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// TemplateKey returns the structural identity of a template: two templates
// share a key exactly when they have the same type and the same field values
// with wildcards in the same positions. Trailing wildcards are ignored, so
// {T, [a]} and {T, [a, nil]} share a key.
func TemplateKey(t Template) (string, error) {
	fields := t.Fields
	for len(fields) > 0 && fields[len(fields)-1] == nil {
		fields = fields[:len(fields)-1]
	}

	var wild strings.Builder
	for _, f := range fields {
		if f == nil {
			wild.WriteByte('*')
		} else {
			wild.WriteByte('=')
		}
	}

	canonical, err := MarshalCanonical(map[string]any{
		"type":   t.Type,
		"fields": fields,
		"shape":  wild.String(),
	})
	if err != nil {
		return "", fmt.Errorf("TemplateKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainTemplate, canonical), nil
}

// MustTemplateKey is like TemplateKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustTemplateKey(t Template) string {
	key, err := TemplateKey(t)
	if err != nil {
		panic(err)
	}
	return key
}

// EntryDigest returns a content hash of an entry value, independent of its
// id. Used by scenario traces, which must not depend on random ids.
func EntryDigest(e Entry) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"type":       e.Type,
		"supertypes": e.Supertypes,
		"fields":     e.Fields,
	})
	if err != nil {
		return "", fmt.Errorf("EntryDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEntry, canonical), nil
}

// NewID returns a fresh time-sortable UUIDv7 string used for entry,
// registration and lease ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
