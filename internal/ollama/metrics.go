package ollama

// Metrics are the performance figures of a completed response, in seconds
// and tokens per second.
type Metrics struct {
	TotalDuration      float64 `json:"total_duration"`
	LoadDuration       float64 `json:"load_duration"`
	PromptEvalCount    int     `json:"prompt_eval_count"`
	PromptEvalDuration float64 `json:"prompt_eval_duration"`
	PromptEvalRate     float64 `json:"prompt_eval_rate"`
	EvalCount          int     `json:"eval_count"`
	EvalDuration       float64 `json:"eval_duration"`
	EvalRate           float64 `json:"eval_rate"`
}

// NormalizeMetrics converts the nanosecond figures of a final response to
// seconds and derives token rates. A zero duration yields a zero rate.
func NormalizeMetrics(r ChatResponse) Metrics {
	promptSecs := r.PromptEvalDuration.Seconds()
	evalSecs := r.EvalDuration.Seconds()
	return Metrics{
		TotalDuration:      r.TotalDuration.Seconds(),
		LoadDuration:       r.LoadDuration.Seconds(),
		PromptEvalCount:    r.PromptEvalCount,
		PromptEvalDuration: promptSecs,
		PromptEvalRate:     rate(r.PromptEvalCount, promptSecs),
		EvalCount:          r.EvalCount,
		EvalDuration:       evalSecs,
		EvalRate:           rate(r.EvalCount, evalSecs),
	}
}

func rate(count int, secs float64) float64 {
	if secs <= 0 {
		return 0
	}
	return float64(count) / secs
}
