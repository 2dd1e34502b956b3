package services

// Batch size bounds. Relays cap results silently, so the first query
// requests a large page to surface the cap on the first response.
const (
	InitialBatchSize = 1000
	MinBatchSize     = 50
	MaxBatchSize     = 1000
)

// BatchController decides the page size for each fetch cycle based on
// relay behavior observed so far. It is stateless: the detected limit
// lives in the loop state and is passed back in on every call.
type BatchController struct{}

// NewBatchController creates a new batch controller
func NewBatchController() *BatchController {
	return &BatchController{}
}

// Observe folds one fetch outcome into the detected limit. A non-zero
// result strictly below the requested size means the relay truncated,
// and the returned count is the relay's effective cap.
func (b *BatchController) Observe(requested, returned, detected int) int {
	if returned > 0 && returned < requested {
		limit := returned
		if limit < MinBatchSize {
			limit = MinBatchSize
		}
		return limit
	}
	return detected
}

// NextSize returns the batch size for the next cycle. detected == 0
// means no limit has been observed yet. Automatic continuations after
// the first batch are throttled to the detected limit, or to
// MinBatchSize when no limit is known.
func (b *BatchController) NextSize(detected, batchIndex int, auto bool) int {
	size := InitialBatchSize
	if detected > 0 {
		size = detected
		if size > MaxBatchSize {
			size = MaxBatchSize
		}
	}

	if auto && batchIndex > 0 {
		ceiling := MinBatchSize
		if detected > 0 {
			ceiling = detected
		}
		if size > ceiling {
			size = ceiling
		}
	}

	if size < MinBatchSize {
		size = MinBatchSize
	}
	if size > MaxBatchSize {
		size = MaxBatchSize
	}
	return size
}
