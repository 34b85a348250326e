package contracts

import (
	"encoding/json"
	"time"
)

// Tier is the environment class of a configuration unit.
type Tier string

const (
	TierSandbox    Tier = "sandbox"
	TierPreprod    Tier = "preprod"
	TierStaging    Tier = "staging"
	TierProduction Tier = "production"
)

// Ephemeral reports whether units of this tier may carry a TTL.
func (t Tier) Ephemeral() bool {
	return t == TierSandbox || t == TierPreprod
}

// Durable reports whether units of this tier must never expire.
func (t Tier) Durable() bool {
	return t == TierStaging || t == TierProduction
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierSandbox, TierPreprod, TierStaging, TierProduction:
		return true
	}
	return false
}

// ExpirationMode selects what the reaper does with an expired unit.
type ExpirationMode string

const (
	ExpireDelete  ExpirationMode = "delete"
	ExpireArchive ExpirationMode = "archive"
	ExpireWarn    ExpirationMode = "warn"
)

// UnitMetadata is the governor's view of a configuration unit. TTL data is
// owned by the unit, the governor only reads it.
type UnitMetadata struct {
	ID             string          `json:"id" validate:"required"`
	Space          string          `json:"space" validate:"required"`
	Account        string          `json:"account,omitempty"`
	Tier           Tier            `json:"tier" validate:"required,oneof=sandbox preprod staging production"`
	TTL            Duration        `json:"ttl,omitempty"`
	ExpirationMode ExpirationMode  `json:"expiration_mode,omitempty" validate:"omitempty,oneof=delete archive warn"`
	LastTouched    time.Time       `json:"last_touched"`
	Protected      bool            `json:"protected,omitempty"`
	Archived       bool            `json:"archived,omitempty"`
	WarnedAt       *time.Time      `json:"warned_at,omitempty"`
	Revision       int64           `json:"revision"`
	Document       json.RawMessage `json:"document,omitempty"`
}

// Expirable reports whether the unit is subject to TTL reaping.
func (u *UnitMetadata) Expirable() bool {
	return u.Tier.Ephemeral() && u.TTL > 0 && !u.Archived
}

// ExpiresAt returns the instant the unit's TTL runs out.
func (u *UnitMetadata) ExpiresAt() time.Time {
	return u.LastTouched.Add(time.Duration(u.TTL))
}

// Expired reports whether the unit's TTL has elapsed at now.
func (u *UnitMetadata) Expired(now time.Time) bool {
	return u.Expirable() && !now.Before(u.ExpiresAt())
}

// Duration is a time.Duration that marshals as a Go duration string ("72h").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return err
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
