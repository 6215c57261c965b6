package escrow

import (
	"fmt"

	"projectescrow/pkg/rbac"
)

// MaxMilestones is the largest milestone count a project may be registered with.
const MaxMilestones = 20

// Identity is an opaque caller or role token. Only equality is meaningful.
type Identity string

// ProjectID identifies a project in the registry.
type ProjectID uint64

// Amount is an accounting quantity in the project's token units.
type Amount uint64

// DuplicatePolicy decides what RegisterProject does with an id that is already taken.
type DuplicatePolicy int

const (
	// DuplicateOverwrite replaces the stored project, resetting its progress.
	DuplicateOverwrite DuplicatePolicy = iota
	// DuplicateReject fails with ErrAlreadyExists.
	DuplicateReject
)

// ParseDuplicatePolicy maps the config values "overwrite" and "reject".
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "", "overwrite":
		return DuplicateOverwrite, nil
	case "reject":
		return DuplicateReject, nil
	}
	return 0, fmt.Errorf("unknown duplicate policy %q", s)
}

func (p DuplicatePolicy) String() string {
	if p == DuplicateReject {
		return "reject"
	}
	return "overwrite"
}

// Registration carries the arguments of RegisterProject.
type Registration struct {
	ID             ProjectID
	Founder        Identity
	DAO            Identity
	Oracle         Identity
	TokenContract  Identity
	MilestoneCount uint
	Funding        Amount
}

// Project is the escrow record of one funded project.
type Project struct {
	ID              ProjectID `json:"id"`
	Founder         Identity  `json:"founder"`
	DAO             Identity  `json:"dao"`
	Oracle          Identity  `json:"oracle"`
	TokenContract   Identity  `json:"token_contract"`
	Milestones      []bool    `json:"milestones"`
	NextMilestone   int       `json:"next_milestone"`
	TotalFunding    Amount    `json:"total_funding"`
	ReleasedFunding Amount    `json:"released_funding"`
}

// NewProject builds a fresh record for reg with no milestones complete and nothing released.
func NewProject(reg Registration) *Project {
	return &Project{
		ID:            reg.ID,
		Founder:       reg.Founder,
		DAO:           reg.DAO,
		Oracle:        reg.Oracle,
		TokenContract: reg.TokenContract,
		Milestones:    make([]bool, reg.MilestoneCount),
		TotalFunding:  reg.Funding,
	}
}

// IsComplete reports whether every milestone has been attested.
func (p *Project) IsComplete() bool {
	return p.NextMilestone >= len(p.Milestones)
}

// Remaining is the part of the allocation not yet released.
func (p *Project) Remaining() Amount {
	return p.TotalFunding - p.ReleasedFunding
}

// Clone returns a deep copy safe to hand out of the registry.
func (p *Project) Clone() Project {
	c := *p
	c.Milestones = append([]bool(nil), p.Milestones...)
	return c
}

// CompleteMilestone marks the next milestone done on behalf of caller and
// returns its index. p is left untouched on error.
func (p *Project) CompleteMilestone(caller Identity) (int, error) {
	if err := rbac.CheckPermission(string(caller), string(p.Oracle), rbac.PermissionCompleteMilestone); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if p.IsComplete() {
		return 0, ErrAllMilestonesComplete
	}

	idx := p.NextMilestone
	p.Milestones[idx] = true
	p.NextMilestone++
	return idx, nil
}

// Policy holds the registry-wide rules fixed at construction.
type Policy struct {
	Admin         Identity
	MaxMilestones uint
	Duplicates    DuplicatePolicy
	// GateRelease caps releases at the completed milestones' share of the funding.
	GateRelease bool
}

// DefaultPolicy returns the contract defaults for admin.
func DefaultPolicy(admin Identity) Policy {
	return Policy{
		Admin:         admin,
		MaxMilestones: MaxMilestones,
		Duplicates:    DuplicateOverwrite,
	}
}

// Register validates a registration by caller and returns the new record.
func (pol Policy) Register(caller Identity, reg Registration) (*Project, error) {
	if err := rbac.CheckPermission(string(caller), string(pol.Admin), rbac.PermissionRegisterProject); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if reg.MilestoneCount > pol.maxMilestones() {
		return nil, ErrTooManyMilestones
	}
	return NewProject(reg), nil
}

// Release moves amount from the allocation to the released total on behalf
// of caller. p is left untouched on error.
func (pol Policy) Release(p *Project, caller Identity, amount Amount) (Amount, error) {
	if err := rbac.CheckPermission(string(caller), string(p.DAO), rbac.PermissionReleaseFunding); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if amount > pol.Releasable(p) {
		return 0, ErrExceedsAllocation
	}

	p.ReleasedFunding += amount
	return amount, nil
}

// Releasable is the largest amount the DAO may release right now.
func (pol Policy) Releasable(p *Project) Amount {
	limit := p.TotalFunding
	if pol.GateRelease && len(p.Milestones) > 0 {
		limit = gatedCap(p.TotalFunding, p.NextMilestone, len(p.Milestones))
	}
	if p.ReleasedFunding >= limit {
		return 0
	}
	return limit - p.ReleasedFunding
}

// maxMilestones lets configuration lower the limit but never raise it.
func (pol Policy) maxMilestones() uint {
	if pol.MaxMilestones == 0 || pol.MaxMilestones > MaxMilestones {
		return MaxMilestones
	}
	return pol.MaxMilestones
}

// gatedCap computes floor(total * done / count) without overflowing uint64.
func gatedCap(total Amount, done, count int) Amount {
	if done >= count {
		return total
	}
	q, r := total/Amount(count), total%Amount(count)
	return q*Amount(done) + r*Amount(done)/Amount(count)
}
