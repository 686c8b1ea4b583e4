package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVMRunningFor(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	vm := &VM{Status: StatusRunning, LastStartedAt: &start}

	assert.Equal(t, 30*time.Minute, vm.RunningFor(start.Add(30*time.Minute)))
	assert.Zero(t, vm.RunningFor(start.Add(-time.Minute)))

	vm.Status = StatusStopped
	assert.Zero(t, vm.RunningFor(start.Add(time.Hour)))
}

func TestVMClone(t *testing.T) {
	start := time.Now()
	vm := &VM{ID: "a", LastStartedAt: &start}

	c := vm.Clone()
	*c.LastStartedAt = start.Add(time.Hour)

	assert.Equal(t, start, *vm.LastStartedAt)
}

func TestVMStatusValid(t *testing.T) {
	assert.True(t, StatusCreating.Valid())
	assert.True(t, StatusTerminated.Valid())
	assert.False(t, VMStatus("paused").Valid())
}
