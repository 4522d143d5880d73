package services

// Audit identifies who performed a ledger mutation.
type Audit struct {
	Who string
}

// SystemAudit stamps mutations made by background workers and webhooks.
var SystemAudit = Audit{Who: "system"}

func (a Audit) who() string {
	if a.Who == "" {
		return SystemAudit.Who
	}
	return a.Who
}
