package portfolio

import (
	"errors"
	"fmt"
	"math"

	"github.com/songzhibin97/quantaguard/internal/models"
)

var (
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrInvalidAllocation = errors.New("invalid allocation")
	ErrInvalidState      = errors.New("invalid coordinator state")
	ErrDuplicateStrategy = errors.New("strategy already registered")
)

// State 组合协调器状态
type State string

const (
	StateStopped          State = "stopped"
	StateRunning          State = "running"
	StateEmergencyStopped State = "emergency_stopped"
)

// Gauge is the numeric form exported as a metric.
func (s State) Gauge() int {
	switch s {
	case StateRunning:
		return 1
	case StateEmergencyStopped:
		return 2
	default:
		return 0
	}
}

// Allocation 策略资金分配
type Allocation struct {
	Name string `json:"name"`
	// Allocation is the target share of portfolio value, in percent.
	Allocation      float64          `json:"allocation"`
	RiskLevel       models.RiskLevel `json:"risk_level"`
	MaxPositionSize float64          `json:"max_position_size"`
	Enabled         bool             `json:"enabled"`
}

// Validate checks ranges. Name is not checked.
func (a Allocation) Validate() error {
	if math.IsNaN(a.Allocation) || a.Allocation < 0 || a.Allocation > 100 {
		return fmt.Errorf("%w: allocation must be within [0, 100], got %v", ErrInvalidAllocation, a.Allocation)
	}
	if !a.RiskLevel.Valid() {
		return fmt.Errorf("%w: unknown risk level %q", ErrInvalidAllocation, a.RiskLevel)
	}
	if math.IsNaN(a.MaxPositionSize) || math.IsInf(a.MaxPositionSize, 0) || a.MaxPositionSize <= 0 {
		return fmt.Errorf("%w: max_position_size must be positive", ErrInvalidAllocation)
	}
	return nil
}

// AllocationUpdate is a partial allocation change; nil fields are left untouched.
type AllocationUpdate struct {
	Allocation      *float64          `json:"allocation,omitempty"`
	Enabled         *bool             `json:"enabled,omitempty"`
	RiskLevel       *models.RiskLevel `json:"risk_level,omitempty"`
	MaxPositionSize *float64          `json:"max_position_size,omitempty"`
}

// Empty reports whether the update carries no fields.
func (u AllocationUpdate) Empty() bool {
	return u.Allocation == nil && u.Enabled == nil && u.RiskLevel == nil && u.MaxPositionSize == nil
}

// Apply returns a with the update merged in. The result is not validated.
func (a Allocation) Apply(u AllocationUpdate) Allocation {
	if u.Allocation != nil {
		a.Allocation = *u.Allocation
	}
	if u.Enabled != nil {
		a.Enabled = *u.Enabled
	}
	if u.RiskLevel != nil {
		a.RiskLevel = *u.RiskLevel
	}
	if u.MaxPositionSize != nil {
		a.MaxPositionSize = *u.MaxPositionSize
	}
	return a
}
