package scan

import (
	"fmt"
	"sort"

	"guardscan/internal/classify"
	"guardscan/internal/target"
)

// HighRiskThreshold marks the confidence above which an unsafe classifier
// match decides FAIL, and above which a risk score is flagged for display.
const HighRiskThreshold = 0.5

// Aggregate folds the classifier ensemble's verdicts into a single status
// plus the risk profile stored with the result. The rules apply in strict
// priority order; the first that fires wins:
//
//  1. transport failure            -> ERROR
//  2. no definite verdict at all   -> PENDING_REVIEW
//  3. confident unsafe match       -> FAIL
//  4. all verdicts definite & safe -> PASS
//  5. anything else                -> PENDING_REVIEW
func Aggregate(outputs map[string]classify.Verdict, transportFailure *target.TransportError) (Status, RiskProfile) {
	profile := RiskProfile{
		Scores: riskScores(outputs),
	}
	profile.HighRisk = highRisk(profile.Scores)
	profile.Triage.DeepScanStatus = deepScanStatus(outputs)

	if transportFailure != nil {
		profile.Triage.Decision = string(StatusError)
		profile.Triage.Reason = transportFailure.Summary
		return StatusError, profile
	}

	definite := 0
	for _, v := range outputs {
		if v.Definite() {
			definite++
		}
	}
	if definite == 0 {
		profile.Triage.Decision = string(StatusPendingReview)
		profile.Triage.Reason = "no classifier produced a verdict"
		return StatusPendingReview, profile
	}

	for _, name := range sortedNames(outputs) {
		v := outputs[name]
		if v.Unsafe() && v.Confidence >= HighRiskThreshold {
			profile.Triage.Decision = string(StatusFail)
			profile.Triage.Reason = fmt.Sprintf("%s matched %s (confidence %.2f)", name, v.Label, v.Confidence)
			return StatusFail, profile
		}
	}

	if definite == len(outputs) {
		allSafe := true
		for _, v := range outputs {
			if v.Unsafe() {
				allSafe = false
				break
			}
		}
		if allSafe {
			profile.Triage.Decision = string(StatusPass)
			profile.Triage.Reason = "all classifiers agree the response is safe"
			return StatusPass, profile
		}
	}

	profile.Triage.Decision = string(StatusPendingReview)
	profile.Triage.Reason = "classifier signals are incomplete or below the decision threshold"
	return StatusPendingReview, profile
}

// riskScores maps each definite verdict to a risk value in [0,1]: a match
// reports its confidence under its label, a safe verdict reports the
// residual risk (1 - confidence) under the classifier's name.
func riskScores(outputs map[string]classify.Verdict) map[string]float64 {
	scores := make(map[string]float64, len(outputs))
	for name, v := range outputs {
		if !v.Definite() {
			continue
		}
		key := name
		risk := 1 - v.Confidence
		if v.Unsafe() {
			if v.Label != "" {
				key = v.Label
			}
			risk = v.Confidence
		}
		if existing, ok := scores[key]; !ok || risk > existing {
			scores[key] = risk
		}
	}
	return scores
}

func highRisk(scores map[string]float64) []string {
	var flagged []string
	for key, risk := range scores {
		if risk > HighRiskThreshold {
			flagged = append(flagged, key)
		}
	}
	sort.Strings(flagged)
	return flagged
}

// deepScanStatus reflects the probe classifier's availability: "completed"
// when it returned a verdict, "unavailable" when it failed, "skipped" when
// no probe is registered in the ensemble.
func deepScanStatus(outputs map[string]classify.Verdict) string {
	v, ok := outputs["probe"]
	if !ok {
		return "skipped"
	}
	if v.Definite() {
		return "completed"
	}
	return "unavailable"
}

func sortedNames(outputs map[string]classify.Verdict) []string {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
