package observability

import "time"

// ObserveTask records one broker task execution. result is done|retry|failed.
func (p *Prom) ObserveTask(task, result string, d time.Duration) {
	p.TaskResults.WithLabelValues(task, result).Inc()
	p.TaskDuration.WithLabelValues(task, result).Observe(d.Seconds())
}
