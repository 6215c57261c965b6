package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"projectescrow/internal/escrow"
	"projectescrow/internal/events"
	"projectescrow/pkg/metrics"
	"projectescrow/pkg/outbox"
)

const (
	projectsTable = "escrow_projects"
	aggregateType = "project"
)

// ErrAmountTooLarge is returned for amounts the BIGINT columns cannot hold.
var ErrAmountTooLarge = errors.New("amount exceeds storage range")

// ProjectRepository is the Postgres-backed ledger. Every write locks the
// project row and queues its event in the outbox within one transaction.
type ProjectRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	policy escrow.Policy
	logger *zap.Logger
}

func NewProjectRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository, policy escrow.Policy, logger *zap.Logger) *ProjectRepository {
	return &ProjectRepository{
		db:     db,
		outbox: outboxRepo,
		policy: policy,
		logger: logger,
	}
}

func (r *ProjectRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *ProjectRepository) RegisterProject(ctx context.Context, caller escrow.Identity, reg escrow.Registration) (bool, error) {
	p, err := r.policy.Register(caller, reg)
	if err != nil {
		return false, err
	}
	if reg.Funding > math.MaxInt64 {
		return false, ErrAmountTooLarge
	}

	r.logger.Debug("Inserting project",
		zap.Uint64("project_id", uint64(reg.ID)),
		zap.Uint("milestone_count", reg.MilestoneCount),
	)

	query := `
		INSERT INTO escrow_projects (id, founder, dao, oracle, token_contract, milestone_count, total_funding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if r.policy.Duplicates == escrow.DuplicateReject {
		query += ` ON CONFLICT (id) DO NOTHING`
	} else {
		query += `
		ON CONFLICT (id) DO UPDATE SET
			founder = EXCLUDED.founder,
			dao = EXCLUDED.dao,
			oracle = EXCLUDED.oracle,
			token_contract = EXCLUDED.token_contract,
			milestone_count = EXCLUDED.milestone_count,
			next_milestone = 0,
			total_funding = EXCLUDED.total_funding,
			released_funding = 0,
			updated_at = NOW()
		`
	}

	err = r.inTx(ctx, "insert", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query,
			int64(p.ID),
			string(p.Founder),
			string(p.DAO),
			string(p.Oracle),
			string(p.TokenContract),
			len(p.Milestones),
			int64(p.TotalFunding),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return escrow.ErrAlreadyExists
		}
		return r.enqueue(ctx, tx, events.ProjectRegistered(ctx, p))
	})
	if err != nil {
		if !escrow.IsDomainError(err) {
			r.logger.Error("Failed to insert project", zap.Uint64("project_id", uint64(reg.ID)), zap.Error(err))
		}
		return false, err
	}

	r.logger.Info("Project inserted successfully", zap.Uint64("project_id", uint64(reg.ID)))
	return true, nil
}

func (r *ProjectRepository) MarkMilestoneComplete(ctx context.Context, caller escrow.Identity, id escrow.ProjectID) (int, error) {
	var idx int
	err := r.inTx(ctx, "update", func(tx pgx.Tx) error {
		p, err := r.lockProject(ctx, tx, id)
		if err != nil {
			return err
		}
		idx, err = p.CompleteMilestone(caller)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE escrow_projects SET next_milestone = $2, updated_at = NOW() WHERE id = $1`,
			int64(id), p.NextMilestone,
		)
		if err != nil {
			return err
		}
		return r.enqueue(ctx, tx, events.MilestoneCompleted(ctx, id, idx, p.IsComplete()))
	})
	if err != nil {
		if !escrow.IsDomainError(err) {
			r.logger.Error("Failed to complete milestone", zap.Uint64("project_id", uint64(id)), zap.Error(err))
		}
		return 0, err
	}

	r.logger.Info("Milestone completed",
		zap.Uint64("project_id", uint64(id)),
		zap.Int("milestone", idx),
	)
	return idx, nil
}

func (r *ProjectRepository) ReleaseFunding(ctx context.Context, caller escrow.Identity, id escrow.ProjectID, amount escrow.Amount) (escrow.Amount, error) {
	var released escrow.Amount
	err := r.inTx(ctx, "update", func(tx pgx.Tx) error {
		p, err := r.lockProject(ctx, tx, id)
		if err != nil {
			return err
		}
		released, err = r.policy.Release(p, caller, amount)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE escrow_projects SET released_funding = $2, updated_at = NOW() WHERE id = $1`,
			int64(id), int64(p.ReleasedFunding),
		)
		if err != nil {
			return err
		}
		return r.enqueue(ctx, tx, events.FundingReleased(ctx, p, released))
	})
	if err != nil {
		if !escrow.IsDomainError(err) {
			r.logger.Error("Failed to release funding", zap.Uint64("project_id", uint64(id)), zap.Error(err))
		}
		return 0, err
	}

	r.logger.Info("Funding released",
		zap.Uint64("project_id", uint64(id)),
		zap.Uint64("amount", uint64(released)),
	)
	return released, nil
}

// IsProjectComplete reports false for unknown projects; other failures are returned.
func (r *ProjectRepository) IsProjectComplete(ctx context.Context, id escrow.ProjectID) (bool, error) {
	p, err := r.Project(ctx, id)
	if errors.Is(err, escrow.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.IsComplete(), nil
}

func (r *ProjectRepository) Project(ctx context.Context, id escrow.ProjectID) (escrow.Project, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQueryDuration("select", projectsTable, time.Since(start))
	}()

	p, err := r.queryProject(ctx, r.db, id, false)
	if err != nil {
		return escrow.Project{}, err
	}
	return *p, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *ProjectRepository) lockProject(ctx context.Context, tx pgx.Tx, id escrow.ProjectID) (*escrow.Project, error) {
	return r.queryProject(ctx, tx, id, true)
}

func (r *ProjectRepository) queryProject(ctx context.Context, q querier, id escrow.ProjectID, forUpdate bool) (*escrow.Project, error) {
	query := `
		SELECT id, founder, dao, oracle, token_contract, milestone_count,
		       next_milestone, total_funding, released_funding
		FROM escrow_projects
		WHERE id = $1
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.Query(ctx, query, int64(id))
	if err != nil {
		return nil, err
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProject)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	return p, err
}

func scanProject(row pgx.CollectableRow) (*escrow.Project, error) {
	var (
		id, total, released  int64
		count, next          int
		founder, dao, oracle string
		tokenContract        string
	)
	if err := row.Scan(&id, &founder, &dao, &oracle, &tokenContract, &count, &next, &total, &released); err != nil {
		return nil, err
	}

	milestones := make([]bool, count)
	for i := 0; i < next && i < count; i++ {
		milestones[i] = true
	}
	return &escrow.Project{
		ID:              escrow.ProjectID(id),
		Founder:         escrow.Identity(founder),
		DAO:             escrow.Identity(dao),
		Oracle:          escrow.Identity(oracle),
		TokenContract:   escrow.Identity(tokenContract),
		Milestones:      milestones,
		NextMilestone:   next,
		TotalFunding:    escrow.Amount(total),
		ReleasedFunding: escrow.Amount(released),
	}, nil
}

func (r *ProjectRepository) enqueue(ctx context.Context, tx pgx.Tx, ev events.Event) error {
	agg := outbox.Aggregate{Type: aggregateType, ID: int64(ev.ProjectID)}
	queued, err := r.outbox.Enqueue(ctx, tx, agg, ev.RoutingKey, ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to queue %s event: %w", ev.RoutingKey, err)
	}
	r.logger.Debug("Queued outbox event",
		zap.Int64("outbox_id", queued.ID),
		zap.String("routing_key", ev.RoutingKey),
		zap.Uint64("project_id", uint64(ev.ProjectID)),
	)
	return nil
}

// inTx runs fn in a transaction and commits only when fn succeeds.
func (r *ProjectRepository) inTx(ctx context.Context, operation string, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() {
		metrics.RecordDBQueryDuration(operation, projectsTable, time.Since(start))
	}()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
