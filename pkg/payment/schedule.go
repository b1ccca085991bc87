package payment

// Mode selects the milestone schedule for a CheckpointSession (spec §4.3).
type Mode string

const (
	ModeExponential Mode = "exponential"
	ModeUpfront     Mode = "upfront"
)

// MiB is the payment-schedule unit (spec §4.3, §6.3).
const MiB int64 = 1024 * 1024

// firstIntervalMiB is the first exponential interval: 10 MiB, doubling
// thereafter (spec §4.3: 10, 20, 40, 80, 160, ... MiB).
const firstIntervalMiB int64 = 10

// intervalMiB returns the n-th (0-indexed) interval size in MiB for the
// exponential schedule: 10, 20, 40, 80, ...
func intervalMiB(n int) int64 {
	interval := firstIntervalMiB
	for i := 0; i < n; i++ {
		interval *= 2
	}
	return interval
}

// cumulativeCheckpointBytes returns the cumulative byte offset at which
// the n-th (0-indexed) checkpoint fires: 10, 30, 70, 150, 310, ... MiB.
func cumulativeCheckpointBytes(n int) int64 {
	var total int64
	for i := 0; i <= n; i++ {
		total += intervalMiB(i) * MiB
	}
	return total
}

// Schedule computes checkpoint milestones for a given mode and file size.
type Schedule struct {
	mode Mode
}

func NewSchedule(mode Mode) Schedule { return Schedule{mode: mode} }

// FirstCheckpoint returns the byte offset and interval (MiB) of the first
// milestone. For Upfront mode this is offset 0 covering the whole file.
func (s Schedule) FirstCheckpoint(fileSize int64) (offsetBytes int64, intervalMB int64) {
	switch s.mode {
	case ModeUpfront:
		return 0, fileSize / MiB
	default:
		return cumulativeCheckpointBytes(0), firstIntervalMiB
	}
}

// NextCheckpoint returns the next milestone strictly after
// currentCheckpointIndex (0-indexed, the index of the milestone just
// reached), or ok=false if the mode has no further milestones (Upfront
// never has one beyond the first).
func (s Schedule) NextCheckpoint(currentCheckpointIndex int) (offsetBytes int64, intervalMB int64, ok bool) {
	if s.mode == ModeUpfront {
		return 0, 0, false
	}
	next := currentCheckpointIndex + 1
	return cumulativeCheckpointBytes(next), intervalMiB(next), true
}

// AmountDue returns the price due for an interval of intervalMB megabytes
// at the given per-MB price.
func AmountDue(intervalMB int64, pricePerMB float64) float64 {
	return float64(intervalMB) * pricePerMB
}

// TotalDue returns the total price for a file of fileSize bytes at
// pricePerMB, used to assert spec §4.3's "payments total exactly S/MiB *
// price_per_mb" invariant in tests.
func TotalDue(fileSize int64, pricePerMB float64) float64 {
	mb := float64(fileSize) / float64(MiB)
	return mb * pricePerMB
}
