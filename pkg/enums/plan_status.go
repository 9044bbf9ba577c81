package enums

import "fmt"

// PlanStatus tracks an installment plan.
type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "active"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusDefaulted PlanStatus = "defaulted"
)

var validPlanStatuses = []PlanStatus{
	PlanStatusActive,
	PlanStatusCompleted,
	PlanStatusDefaulted,
}

func (p PlanStatus) String() string {
	return string(p)
}

func (p PlanStatus) IsValid() bool {
	for _, candidate := range validPlanStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

func ParsePlanStatus(value string) (PlanStatus, error) {
	for _, candidate := range validPlanStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid plan status %q", value)
}
