// Package evaluator scores raw executor outcomes: it validates reported
// results per executor type, computes a bounded reward, persists the
// verdict exactly once, and appends an experience record.
package evaluator

// Reward bounds and components.
const (
	rewardBase            = 1.0
	rewardCorrectionBonus = 0.5
	rewardRetryCost       = 0.1
	rewardValidationPen   = 0.5
	rewardMin             = -2.0
	rewardMax             = 2.0
)

// computeReward scores one task outcome.
//
//	success:            +1.0, plus +0.5 when a retried task recovered
//	failure:            -1.0, minus 0.1 per retry
//	validationRejected: extra -0.5 when the executor said ok but
//	                    validation disagreed (implies failure)
//
// The result is clamped to [-2.0, 2.0].
func computeReward(success bool, retries int, validationRejected bool) float64 {
	var r float64
	if success {
		r = rewardBase
		if retries > 0 {
			r += rewardCorrectionBonus
		}
	} else {
		r = -rewardBase
		r -= rewardRetryCost * float64(retries)
		if validationRejected {
			r -= rewardValidationPen
		}
	}
	if r < rewardMin {
		return rewardMin
	}
	if r > rewardMax {
		return rewardMax
	}
	return r
}
