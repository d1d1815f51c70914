package port

// MonitorHook surfaces gateway degradation (validation timeouts, audit buffer
// overflow) to operators. Implementations must be cheap and non-blocking.
type MonitorHook interface {
	Degraded(reason string, detail map[string]any)
}
