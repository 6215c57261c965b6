package mq

// ProjectRegisteredPayload is published on escrow.project.registered.
type ProjectRegisteredPayload struct {
	ProjectID      uint64 `json:"project_id"`
	Founder        string `json:"founder"`
	DAO            string `json:"dao"`
	Oracle         string `json:"oracle"`
	TokenContract  string `json:"token_contract"`
	MilestoneCount uint   `json:"milestone_count"`
	TotalFunding   uint64 `json:"total_funding"`
	TraceID        string `json:"trace_id,omitempty"`
}

// MilestoneCompletedPayload is published on escrow.milestone.completed.
type MilestoneCompletedPayload struct {
	ProjectID uint64 `json:"project_id"`
	Milestone int    `json:"milestone"`
	Complete  bool   `json:"complete"` // true when this was the last milestone
	TraceID   string `json:"trace_id,omitempty"`
}

// FundingReleasedPayload is published on escrow.funding.released.
type FundingReleasedPayload struct {
	ProjectID       uint64 `json:"project_id"`
	Amount          uint64 `json:"amount"`
	ReleasedFunding uint64 `json:"released_funding"`
	TotalFunding    uint64 `json:"total_funding"`
	TraceID         string `json:"trace_id,omitempty"`
}

// MilestoneAttestedPayload is consumed from escrow.milestone.attested. The
// oracle service authenticates the attestation before publishing it.
type MilestoneAttestedPayload struct {
	AttestationID string `json:"attestation_id"`
	ProjectID     uint64 `json:"project_id"`
	Oracle        string `json:"oracle"`
	TraceID       string `json:"trace_id,omitempty"`
}
