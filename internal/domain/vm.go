package domain

import (
	"time"
)

// VMStatus is the lifecycle state of a VM record.
type VMStatus string

const (
	StatusCreating   VMStatus = "creating"
	StatusRunning    VMStatus = "running"
	StatusStopped    VMStatus = "stopped"
	StatusTerminated VMStatus = "terminated"
	StatusError      VMStatus = "error"
)

// Valid reports whether s is a known status.
func (s VMStatus) Valid() bool {
	switch s {
	case StatusCreating, StatusRunning, StatusStopped, StatusTerminated, StatusError:
		return true
	}
	return false
}

// VM is the persisted record of one sandbox instance.
type VM struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"owner_id"`
	RuntimeHandle       string     `json:"runtime_handle,omitempty"`
	Name                string     `json:"name"`
	Image               string     `json:"image"`
	Status              VMStatus   `json:"status"`
	Port                int        `json:"port"`
	IPAddress           string     `json:"ip_address,omitempty"`
	MemoryLimit         int64      `json:"memory_limit"`
	CPUShare            int64      `json:"cpu_share"`
	LastStartedAt       *time.Time `json:"last_started_at,omitempty"`
	LastStoppedAt       *time.Time `json:"last_stopped_at,omitempty"`
	TotalRuntimeSeconds int64      `json:"total_runtime_seconds"`
	CreditsConsumed     int64      `json:"credits_consumed"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsTerminated returns true once the VM has reached its final state.
func (v *VM) IsTerminated() bool {
	return v.Status == StatusTerminated
}

// OwnedBy reports whether userID owns the VM.
func (v *VM) OwnedBy(userID string) bool {
	return v.OwnerID == userID
}

// RunningFor returns how long the current running interval has lasted at now.
// Returns 0 if the VM is not running or was never started.
func (v *VM) RunningFor(now time.Time) time.Duration {
	if v.Status != StatusRunning || v.LastStartedAt == nil {
		return 0
	}
	d := now.Sub(*v.LastStartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Clone returns a deep copy of the record.
func (v *VM) Clone() *VM {
	c := *v
	if v.LastStartedAt != nil {
		t := *v.LastStartedAt
		c.LastStartedAt = &t
	}
	if v.LastStoppedAt != nil {
		t := *v.LastStoppedAt
		c.LastStoppedAt = &t
	}
	return &c
}
