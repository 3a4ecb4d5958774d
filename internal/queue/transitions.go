package queue

import "qms/queue-sync/internal/models"

const (
	ActionPromote  = "promote"
	ActionServe    = "serve"
	ActionComplete = "complete"
	ActionSkip     = "skip"
	ActionRecall   = "recall"
	ActionMove     = "move"
)

var transitionMap = map[string][]string{
	ActionPromote:  {models.StatusWaiting},
	ActionServe:    {models.StatusWaiting, models.StatusNext},
	ActionComplete: {models.StatusNowServing},
	ActionSkip:     {models.StatusNowServing, models.StatusWaiting, models.StatusNext},
	ActionRecall:   {models.StatusSkipped},
	ActionMove:     {models.StatusWaiting, models.StatusNext, models.StatusNowServing, models.StatusSkipped},
}

// servable lists the states an entry may be in when a move puts it straight
// into now_serving. Skipped entries have to be recalled to waiting first.
var servable = []string{models.StatusWaiting, models.StatusNext, models.StatusNowServing}

func ValidTransition(action, fromStatus string) bool {
	return contains(transitionMap[action], fromStatus)
}

// ValidMove reports whether a move may carry an entry from fromStatus to
// toStatus while changing its counter.
func ValidMove(fromStatus, toStatus string) bool {
	if !models.ValidStatus(toStatus) || !ValidTransition(ActionMove, fromStatus) {
		return false
	}
	if toStatus == models.StatusNowServing {
		return contains(servable, fromStatus)
	}
	return true
}

func contains(values []string, value string) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}
