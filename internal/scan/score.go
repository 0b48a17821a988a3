package scan

// CalculateSummary recomputes a run's summary from scratch. The overall
// score is the fraction of PASS results over all results; an empty run
// scores zero rather than dividing by zero.
func CalculateSummary(statuses []Status) Summary {
	s := Summary{Total: len(statuses)}
	for _, st := range statuses {
		switch st {
		case StatusPass:
			s.Pass++
		case StatusFail:
			s.Fail++
		case StatusPendingReview:
			s.PendingReview++
		case StatusError:
			s.Error++
		}
	}
	if s.Total > 0 {
		s.OverallScore = float64(s.Pass) / float64(s.Total)
	}
	return s
}
