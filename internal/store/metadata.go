package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Well-known system metadata keys.
const (
	MetaPlaceholder  = "is_placeholder"
	MetaFallbackUsed = "fallback_used"
	MetaLinkStrategy = "link_strategy"
	MetaLegacyID     = "legacy_id"
	MetaContinuity   = "continuity"
)

const (
	maxMetadataEntries  = 64
	maxMetadataKeyLen   = 64
	maxMetadataValueLen = 2048
)

// Metadata is the attribute bag carried by every entity.
// System holds keys owned by this module; Platform holds per-platform
// extension data keyed by a registered platform.
type Metadata struct {
	System   map[string]string              `json:"system,omitempty"`
	Platform map[Platform]map[string]string `json:"platform,omitempty"`
}

// SetSystem sets a system key, allocating the map on first use.
func (m *Metadata) SetSystem(key, value string) {
	if m.System == nil {
		m.System = make(map[string]string)
	}
	m.System[key] = value
}

// SystemFlag reports whether a boolean system key is set to "true".
func (m Metadata) SystemFlag(key string) bool {
	return m.System[key] == "true"
}

// SetPlatform sets a platform-scoped key.
func (m *Metadata) SetPlatform(p Platform, key, value string) {
	if m.Platform == nil {
		m.Platform = make(map[Platform]map[string]string)
	}
	if m.Platform[p] == nil {
		m.Platform[p] = make(map[string]string)
	}
	m.Platform[p][key] = value
}

// IsEmpty reports whether no key is set.
func (m Metadata) IsEmpty() bool {
	return len(m.System) == 0 && len(m.Platform) == 0
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := Metadata{}
	if m.System != nil {
		out.System = make(map[string]string, len(m.System))
		for k, v := range m.System {
			out.System[k] = v
		}
	}
	if m.Platform != nil {
		out.Platform = make(map[Platform]map[string]string, len(m.Platform))
		for p, kv := range m.Platform {
			inner := make(map[string]string, len(kv))
			for k, v := range kv {
				inner[k] = v
			}
			out.Platform[p] = inner
		}
	}
	return out
}

// Merge returns a copy of m with every key of other laid over it.
// Empty values in other never erase existing values.
func (m Metadata) Merge(other Metadata) Metadata {
	out := m.Clone()
	for k, v := range other.System {
		if v != "" {
			out.SetSystem(k, v)
		}
	}
	for p, kv := range other.Platform {
		for k, v := range kv {
			if v != "" {
				out.SetPlatform(p, k, v)
			}
		}
	}
	return out
}

// Validate enforces the boundary rules: registered platforms, non-empty
// bounded keys and values, bounded entry count.
func (m Metadata) Validate() error {
	n := len(m.System)
	for k, v := range m.System {
		if err := validateEntry(k, v); err != nil {
			return fmt.Errorf("system metadata: %w", err)
		}
	}
	for p, kv := range m.Platform {
		if !IsKnownPlatform(p) {
			return fmt.Errorf("metadata for unknown platform %q: %w", p, ErrConstraintViolation)
		}
		n += len(kv)
		for k, v := range kv {
			if err := validateEntry(k, v); err != nil {
				return fmt.Errorf("%s metadata: %w", p, err)
			}
		}
	}
	if n > maxMetadataEntries {
		return fmt.Errorf("metadata has %d entries (max %d): %w", n, maxMetadataEntries, ErrConstraintViolation)
	}
	return nil
}

func validateEntry(k, v string) error {
	if k == "" {
		return fmt.Errorf("empty key: %w", ErrConstraintViolation)
	}
	if len(k) > maxMetadataKeyLen {
		return fmt.Errorf("key %.16q... too long: %w", k, ErrConstraintViolation)
	}
	if len(v) > maxMetadataValueLen {
		return fmt.Errorf("value for %q too long: %w", k, ErrConstraintViolation)
	}
	if !utf8.ValidString(k) || !utf8.ValidString(v) {
		return fmt.Errorf("invalid utf-8 in %q: %w", k, ErrConstraintViolation)
	}
	return nil
}

// Value implements driver.Valuer (JSONB column).
func (m Metadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Scan implements sql.Scanner (JSONB column).
func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan metadata: unsupported type %T", src)
	}
	var out Metadata
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("scan metadata: %w", err)
		}
	}
	*m = out
	return nil
}
