package orders

import "strings"

// WorkflowStep is the position of an order in the repair workflow as
// reported by the backend.
type WorkflowStep int

const (
	StepEntry          WorkflowStep = 0
	StepPreAcceptance  WorkflowStep = 1
	StepAcceptance     WorkflowStep = 2
	StepRepair         WorkflowStep = 3
	StepInvoicing      WorkflowStep = 4
	StepTreasury       WorkflowStep = 5
	StepReadyToShip    WorkflowStep = 6
	StepShipping       WorkflowStep = 7
	StepInfoComplete   WorkflowStep = 8
	StepPendingPayment WorkflowStep = 9
	StepStalled        WorkflowStep = 10
	StepCompleted      WorkflowStep = 50
)

type stepInfo struct {
	name     string
	icon     string
	progress int
}

var steps = map[WorkflowStep]stepInfo{
	StepEntry:          {"ورود مرسوله", "📥", 0},
	StepPreAcceptance:  {"پیش پذیرش", "📝", 10},
	StepAcceptance:     {"پذیرش", "✅", 20},
	StepRepair:         {"تعمیرات", "🔧", 35},
	StepInvoicing:      {"صدور صورتحساب", "📄", 50},
	StepTreasury:       {"خزانه داری", "💰", 60},
	StepReadyToShip:    {"آماده ارسال", "📦", 70},
	StepShipping:       {"در حال ارسال", "🚚", 80},
	StepInfoComplete:   {"تکمیل اطلاعات", "📋", 85},
	StepPendingPayment: {"منتظر پرداخت", "⏳", 90},
	StepStalled:        {"راکد", "⏸️", 95},
	StepCompleted:      {"پایان عملیات", "✔️", 100},
}

const unknownStepName = "نامشخص"

func (s WorkflowStep) Valid() bool {
	_, ok := steps[s]
	return ok
}

func (s WorkflowStep) Name() string {
	if info, ok := steps[s]; ok {
		return info.name
	}
	return unknownStepName
}

func (s WorkflowStep) Icon() string {
	if info, ok := steps[s]; ok {
		return info.icon
	}
	return "❓"
}

// Progress is the completion percentage, 0 for unknown steps.
func (s WorkflowStep) Progress() int {
	return steps[s].progress
}

func (s WorkflowStep) IsActive() bool {
	return s.Valid() && s < StepCompleted
}

func (s WorkflowStep) IsCompleted() bool {
	return s == StepCompleted
}

func (s WorkflowStep) IsStalled() bool {
	return s == StepStalled
}

// IsPayable reports whether payment is expected at this step.
func (s WorkflowStep) IsPayable() bool {
	switch s {
	case StepInvoicing, StepPendingPayment, StepReadyToShip:
		return true
	}
	return false
}

// ProgressBar renders Progress as width emoji cells.
func (s WorkflowStep) ProgressBar(width int) string {
	if width <= 0 {
		return ""
	}
	filled := s.Progress() * width / 100
	return strings.Repeat("🔵", filled) + strings.Repeat("⚪", width-filled)
}

func (s WorkflowStep) String() string {
	return s.Icon() + " " + s.Name()
}
