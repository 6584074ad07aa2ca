package state

// Status is the lifecycle status of a report generation. The wire values are
// shared by every process in the pipeline and must not change.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusError      Status = "ERROR"
	StatusAborted    Status = "ABORTED"
)

func (s Status) String() string {
	return string(s)
}

var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusSuccess,
	StatusError,
	StatusAborted,
}

// Valid reports whether s is one of the known wire values.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further status change is expected after s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusAborted
}

type Transition struct {
	From Status
	To   Status
}

var ValidTransitions = []Transition{
	{From: StatusPending, To: StatusProcessing},
	{From: StatusPending, To: StatusSuccess},
	{From: StatusPending, To: StatusError},
	{From: StatusPending, To: StatusAborted},
	{From: StatusProcessing, To: StatusProcessing},
	{From: StatusProcessing, To: StatusSuccess},
	{From: StatusProcessing, To: StatusError},
	{From: StatusProcessing, To: StatusAborted},
}

func IsValidTransition(from, to Status) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
