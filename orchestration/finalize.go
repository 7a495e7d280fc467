package orchestration

import (
	"strings"
	"time"
)

// efficiencyScore compares estimated against actual duration. Faster than
// estimated caps at 1.0; pathologically slow runs floor at 0.1 so one
// outlier cannot zero out the composite score.
func efficiencyScore(estimated, actual time.Duration) float64 {
	if estimated <= 0 || actual <= 0 {
		return 1.0
	}
	score := float64(estimated) / float64(actual)
	if score > 1.0 {
		return 1.0
	}
	if score < 0.1 {
		return 0.1
	}
	return score
}

// resourceUtilization is the share of the known capability surface this
// workflow exercised
func resourceUtilization(used, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	utilization := float64(used) / float64(capacity)
	if utilization > 1.0 {
		return 1.0
	}
	return utilization
}

// resultRichness rewards results that carry data back to the caller,
// saturating at five fields
func resultRichness(data map[string]interface{}) float64 {
	richness := float64(len(data)) / 5.0
	if richness > 1.0 {
		return 1.0
	}
	return richness
}

// Composite score weights: success dominates, the rest refine ranking
// between successful runs.
const (
	scoreWeightSuccess    = 0.5
	scoreWeightConfidence = 0.2
	scoreWeightEfficiency = 0.2
	scoreWeightRichness   = 0.1
)

// compositeScore combines outcome, match confidence, efficiency, and result
// richness into one comparable number
func compositeScore(success bool, confidence, efficiency, richness float64) float64 {
	score := scoreWeightConfidence*confidence + scoreWeightEfficiency*efficiency + scoreWeightRichness*richness
	if success {
		score += scoreWeightSuccess
	}
	return score
}

// followUpSuggestions are keyed by workflow name; the generic entries apply
// to workflows without a dedicated list
var followUpSuggestions = map[string][]string{
	"document-analysis": {
		"review the analysis findings in the document store",
		"run a deep analysis with depth=deep for more detail",
	},
	"security-audit": {
		"review flagged findings and assign owners",
		"schedule a follow-up audit after remediation",
	},
	"service-health-sweep": {
		"investigate any services reported unhealthy",
	},
	"notification-broadcast": {
		"confirm delivery receipts with the notification service",
	},
	"data-pipeline": {
		"verify record counts in the destination collection",
		"re-run with a larger batch_size if throughput was low",
	},
}

// followUpsFor returns follow-up suggestions for a completed workflow
func followUpsFor(workflowName string) []string {
	if suggestions, ok := followUpSuggestions[workflowName]; ok {
		return append([]string(nil), suggestions...)
	}
	return []string{"check the execution result data for next steps"}
}

// recoverySuggestionsFor maps a failure message onto recovery advice by
// keyword: connection, timeout, parameter, permission, with a generic
// fallback when nothing matches
func recoverySuggestionsFor(errMessage string) []string {
	lower := strings.ToLower(errMessage)
	suggestions := make([]string, 0, 3)

	if strings.Contains(lower, "connection") || strings.Contains(lower, "connect") || strings.Contains(lower, "circuit") {
		suggestions = append(suggestions,
			"verify the downstream service is reachable and healthy",
			"retry once the circuit breaker's reset timeout has elapsed",
		)
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline") {
		suggestions = append(suggestions,
			"retry with a longer timeout override",
			"check whether the remote orchestrator is under load",
		)
	}
	if strings.Contains(lower, "parameter") || strings.Contains(lower, "validation") {
		suggestions = append(suggestions,
			"correct the listed parameter issues and resubmit",
		)
	}
	if strings.Contains(lower, "permission") || strings.Contains(lower, "authorized") || strings.Contains(lower, "forbidden") {
		suggestions = append(suggestions,
			"confirm the caller has access to the required capabilities",
		)
	}

	if len(suggestions) == 0 {
		suggestions = append(suggestions, "inspect the execution log entries and resubmit")
	}
	return suggestions
}
