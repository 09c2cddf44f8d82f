package tunnel

import (
	"time"
)

// Configuration is the parsed configuration carried by a record.
// The registry treats it as opaque apart from the assigned name and the
// ability to render it back to text for storage and export.
type Configuration interface {
	// TunnelName returns the name the configuration was parsed under.
	TunnelName() string
	// WithName returns a copy carrying a different name.
	WithName(name string) Configuration
	// MarshalText renders the configuration in its source format.
	MarshalText() ([]byte, error)
}

// Record 隧道记录
// Position is not stored here; it is derived from the registry order.
type Record struct {
	Key       string        `json:"key"`
	Config    Configuration `json:"-"`
	Status    Status        `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Status 隧道运行状态
type Status string

const (
	StatusInactive     Status = "inactive"     // 未激活
	StatusActivating   Status = "activating"   // 激活中
	StatusActive       Status = "active"       // 已激活
	StatusDeactivating Status = "deactivating" // 停用中
)

// IsTransitional reports whether a control-plane request is in flight.
func (s Status) IsTransitional() bool {
	return s == StatusActivating || s == StatusDeactivating
}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusInactive, StatusActivating, StatusActive, StatusDeactivating:
		return true
	}
	return false
}

// Settle returns the stable state a transitional status resolves to once
// the control plane reports the outcome. ok is false for stable states,
// which have nothing pending.
//
//	Activating   + success -> Active
//	Activating   + failure -> Inactive
//	Deactivating + success -> Inactive
//	Deactivating + failure -> Active
func (s Status) Settle(succeeded bool) (next Status, ok bool) {
	switch s {
	case StatusActivating:
		if succeeded {
			return StatusActive, true
		}
		return StatusInactive, true
	case StatusDeactivating:
		if succeeded {
			return StatusInactive, true
		}
		return StatusActive, true
	}
	return s, false
}
