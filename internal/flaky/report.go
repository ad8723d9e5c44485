package flaky

// Report is the aggregated, serializable flaky-test view handed to
// downstream reporting components. Purely derived; generating it twice
// without new task activity yields equal values.
type Report struct {
	TotalTasks int `json:"total_tasks"`
	TotalFlaky int `json:"total_flaky"`
	// FlakyPercent is the share of all completed tasks that were flaky.
	FlakyPercent float64 `json:"flaky_percent"`
	// AverageRetries is the mean failure count among flaky tasks.
	AverageRetries float64 `json:"average_retries"`
	// MostRetriedTaskID identifies the single task with the most recorded
	// retry attempts across the whole run, flaky or not.
	MostRetriedTaskID string `json:"most_retried_task_id,omitempty"`
	MostRetriedCount  int    `json:"most_retried_count,omitempty"`
}

func (r *registry) report() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rep := Report{
		TotalTasks: r.totalRuns,
		TotalFlaky: len(r.flaky),
	}
	if r.totalRuns > 0 {
		rep.FlakyPercent = float64(len(r.flaky)) / float64(r.totalRuns) * 100
	}

	if len(r.flaky) > 0 {
		sum := 0
		for _, rec := range r.flaky {
			sum += rec.FailureCount
		}
		rep.AverageRetries = float64(sum) / float64(len(r.flaky))
	}

	for id, attempts := range r.attempts {
		if len(attempts) > rep.MostRetriedCount {
			rep.MostRetriedCount = len(attempts)
			rep.MostRetriedTaskID = id
		}
	}
	return rep
}
