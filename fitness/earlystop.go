package fitness

import "math"

const (
	// firstCheckpoint is the epoch of the first early stopping check.
	firstCheckpoint = 4
	// minCheckpoints is how many checks must exist before stopping is considered.
	minCheckpoints = 4
	// warmupEpochs are always evaluated on validation and test data.
	warmupEpochs = 15
)

// ShouldStop reports whether test accuracy has plateaued: among the latest
// window checkpoints every successive difference is below epsilon.
// Fewer than four checkpoints never stop.
func ShouldStop(history []float64, window int, epsilon float64) bool {
	if len(history) < minCheckpoints {
		return false
	}
	latest := history[max(0, len(history)-window):]
	for i := 0; i+1 < len(latest); i++ {
		if math.Abs(latest[i]-latest[i+1]) >= epsilon {
			return false
		}
	}
	return true
}

// checkpoints tracks the early stopping schedule of one fold: the first check
// at epoch 4, then every validation frequency.
type checkpoints struct {
	next    int
	step    int
	history []float64
}

func newCheckpoints(step int) *checkpoints {
	return &checkpoints{next: firstCheckpoint, step: step}
}

func (c *checkpoints) due(epoch int) bool {
	return epoch == c.next
}

// record appends acc and advances the schedule. It reports whether to stop.
func (c *checkpoints) record(acc float64, window int, epsilon float64) bool {
	c.history = append(c.history, acc)
	if ShouldStop(c.history, window, epsilon) {
		return true
	}
	c.next += c.step
	return false
}

// latest returns the last window accuracies.
func (c *checkpoints) latest(window int) []float64 {
	return c.history[max(0, len(c.history)-window):]
}
