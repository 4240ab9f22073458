package resilience

// Error classifications recorded on enforcement results and webhook
// deliveries so operators can tell a platform outage from a rate limit from
// a dead end.
const (
	ErrorTypeTransient = "transient"
	ErrorTypeThrottled = "throttled"
	ErrorTypePermanent = "permanent"
)

// ClassifyError buckets an error for result rows and dashboards.
func ClassifyError(err error) string {
	switch {
	case IsThrottled(err):
		return ErrorTypeThrottled
	case IsTransient(err):
		return ErrorTypeTransient
	default:
		return ErrorTypePermanent
	}
}
