package usecase

// ReadinessCheck is a single readiness probe result consumed by the
// health handlers. The probes themselves live in internal/app where
// the concrete connections are.
type ReadinessCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}
