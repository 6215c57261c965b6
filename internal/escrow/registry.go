// Package escrow holds the milestone escrow rules: who may register a
// project, attest its milestones and release its funding, and the limits
// those operations must respect.
package escrow

import (
	"sync"

	"go.uber.org/zap"
)

type entry struct {
	mu      sync.Mutex
	project *Project
}

// Registry is the in-memory project ledger. Operations on one project are
// serialised by that project's lock; different projects never contend.
type Registry struct {
	policy Policy
	logger *zap.Logger

	mu       sync.RWMutex
	projects map[ProjectID]*entry
}

// NewRegistry creates an empty registry governed by policy.
func NewRegistry(policy Policy, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		policy:   policy,
		logger:   logger,
		projects: make(map[ProjectID]*entry),
	}
}

// Policy returns the rules the registry was built with.
func (r *Registry) Policy() Policy {
	return r.policy
}

// RegisterProject stores a new project on behalf of caller, who must be the admin.
func (r *Registry) RegisterProject(caller Identity, reg Registration) (bool, error) {
	p, err := r.policy.Register(caller, reg)
	if err != nil {
		r.logger.Warn("Project registration rejected",
			zap.Uint64("project_id", uint64(reg.ID)),
			zap.String("caller", string(caller)),
			zap.Error(err),
		)
		return false, err
	}

	r.mu.Lock()
	e, exists := r.projects[reg.ID]
	if exists && r.policy.Duplicates == DuplicateReject {
		r.mu.Unlock()
		return false, ErrAlreadyExists
	}
	if !exists {
		r.projects[reg.ID] = &entry{project: p}
		r.mu.Unlock()
	} else {
		// Swap the record in place so operations already holding the entry see the new state.
		e.mu.Lock()
		r.mu.Unlock()
		e.project = p
		e.mu.Unlock()
		r.logger.Warn("Existing project overwritten", zap.Uint64("project_id", uint64(reg.ID)))
	}

	r.logger.Info("Project registered",
		zap.Uint64("project_id", uint64(reg.ID)),
		zap.Uint("milestone_count", reg.MilestoneCount),
		zap.Uint64("funding", uint64(reg.Funding)),
	)
	return true, nil
}

// MarkMilestoneComplete attests the next milestone of project id. Only the
// project's oracle may call it; the index just completed is returned.
func (r *Registry) MarkMilestoneComplete(caller Identity, id ProjectID) (int, error) {
	idx, _, err := r.MarkMilestoneCompleteWithState(caller, id)
	return idx, err
}

// MarkMilestoneCompleteWithState is MarkMilestoneComplete that also returns
// a copy of the project as it was right after the change.
func (r *Registry) MarkMilestoneCompleteWithState(caller Identity, id ProjectID) (int, Project, error) {
	e, ok := r.lookup(id)
	if !ok {
		return 0, Project{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := e.project.CompleteMilestone(caller)
	if err != nil {
		r.logger.Warn("Milestone completion rejected",
			zap.Uint64("project_id", uint64(id)),
			zap.String("caller", string(caller)),
			zap.Error(err),
		)
		return 0, Project{}, err
	}

	r.logger.Info("Milestone completed",
		zap.Uint64("project_id", uint64(id)),
		zap.Int("milestone", idx),
	)
	return idx, e.project.Clone(), nil
}

// ReleaseFunding adds amount to the released total of project id. Only the
// project's DAO may call it.
func (r *Registry) ReleaseFunding(caller Identity, id ProjectID, amount Amount) (Amount, error) {
	released, _, err := r.ReleaseFundingWithState(caller, id, amount)
	return released, err
}

// ReleaseFundingWithState is ReleaseFunding that also returns a copy of the
// project as it was right after the release.
func (r *Registry) ReleaseFundingWithState(caller Identity, id ProjectID, amount Amount) (Amount, Project, error) {
	e, ok := r.lookup(id)
	if !ok {
		return 0, Project{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	released, err := r.policy.Release(e.project, caller, amount)
	if err != nil {
		r.logger.Warn("Funding release rejected",
			zap.Uint64("project_id", uint64(id)),
			zap.String("caller", string(caller)),
			zap.Uint64("amount", uint64(amount)),
			zap.Error(err),
		)
		return 0, Project{}, err
	}

	r.logger.Info("Funding released",
		zap.Uint64("project_id", uint64(id)),
		zap.Uint64("amount", uint64(released)),
		zap.Uint64("released_total", uint64(e.project.ReleasedFunding)),
	)
	return released, e.project.Clone(), nil
}

// IsProjectComplete reports whether every milestone of id is done. Unknown ids are not complete.
func (r *Registry) IsProjectComplete(id ProjectID) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.project.IsComplete()
}

// Project returns a copy of the stored record.
func (r *Registry) Project(id ProjectID) (Project, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Project{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.project.Clone(), nil
}

// Len returns the number of registered projects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.projects)
}

func (r *Registry) lookup(id ProjectID) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.projects[id]
	return e, ok
}
