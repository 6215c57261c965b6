package escrow

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"projectescrow/pkg/rbac"
)

const (
	admin   Identity = "STADMIN111111111111111111111111111111111"
	founder Identity = "STFOUNDER11111111111111111111111111111"
	dao     Identity = "STDAO1111111111111111111111111111111111"
	oracle  Identity = "STORACLE111111111111111111111111111111"
	token   Identity = "STTOKEN1111111111111111111111111111111"
)

func newTestRegistry(t *testing.T, opts ...func(*Policy)) *Registry {
	t.Helper()
	pol := DefaultPolicy(admin)
	for _, o := range opts {
		o(&pol)
	}
	return NewRegistry(pol, zaptest.NewLogger(t))
}

func registration(id ProjectID, milestones uint, funding Amount) Registration {
	return Registration{
		ID:             id,
		Founder:        founder,
		DAO:            dao,
		Oracle:         oracle,
		TokenContract:  token,
		MilestoneCount: milestones,
		Funding:        funding,
	}
}

func mustRegister(t *testing.T, r *Registry, reg Registration) {
	t.Helper()
	ok, err := r.RegisterProject(admin, reg)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRegisterProject(t *testing.T) {
	t.Run("admin registers", func(t *testing.T) {
		r := newTestRegistry(t)
		ok, err := r.RegisterProject(admin, registration(1, 3, 1000))
		require.NoError(t, err)
		assert.True(t, ok)

		p, err := r.Project(1)
		require.NoError(t, err)
		assert.Equal(t, []bool{false, false, false}, p.Milestones)
		assert.Equal(t, 0, p.NextMilestone)
		assert.Equal(t, Amount(1000), p.TotalFunding)
		assert.Equal(t, Amount(0), p.ReleasedFunding)
		assert.Equal(t, founder, p.Founder)
		assert.Equal(t, token, p.TokenContract)
	})

	t.Run("non-admin is unauthorized and nothing is stored", func(t *testing.T) {
		r := newTestRegistry(t)
		for _, caller := range []Identity{founder, dao, oracle, "", "stadmin"} {
			ok, err := r.RegisterProject(caller, registration(1, 3, 1000))
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrUnauthorized)
			assert.Equal(t, uint32(100), Code(err))
		}
		assert.Equal(t, 0, r.Len())
		assert.False(t, r.IsProjectComplete(1))
	})

	t.Run("milestone limit", func(t *testing.T) {
		r := newTestRegistry(t)
		ok, err := r.RegisterProject(admin, registration(1, MaxMilestones, 10))
		require.NoError(t, err)
		assert.True(t, ok)

		for _, n := range []uint{MaxMilestones + 1, 100} {
			ok, err = r.RegisterProject(admin, registration(2, n, 10))
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrTooManyMilestones)
			assert.Equal(t, uint32(107), Code(err))
		}
		assert.Equal(t, 1, r.Len())
	})

	t.Run("unauthorized wins over too many milestones", func(t *testing.T) {
		r := newTestRegistry(t)
		_, err := r.RegisterProject(founder, registration(1, 50, 10))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("configured limit can only be lowered", func(t *testing.T) {
		r := newTestRegistry(t, func(p *Policy) { p.MaxMilestones = 5 })
		_, err := r.RegisterProject(admin, registration(1, 6, 10))
		assert.ErrorIs(t, err, ErrTooManyMilestones)

		r = newTestRegistry(t, func(p *Policy) { p.MaxMilestones = 50 })
		_, err = r.RegisterProject(admin, registration(1, 21, 10))
		assert.ErrorIs(t, err, ErrTooManyMilestones)
	})

	t.Run("zero milestones and zero funding are accepted", func(t *testing.T) {
		r := newTestRegistry(t)
		mustRegister(t, r, registration(7, 0, 0))
		assert.True(t, r.IsProjectComplete(7))

		_, err := r.MarkMilestoneComplete(oracle, 7)
		assert.ErrorIs(t, err, ErrAllMilestonesComplete)

		released, err := r.ReleaseFunding(dao, 7, 0)
		require.NoError(t, err)
		assert.Equal(t, Amount(0), released)

		_, err = r.ReleaseFunding(dao, 7, 1)
		assert.ErrorIs(t, err, ErrExceedsAllocation)
	})
}

func TestRegisterProject_Duplicates(t *testing.T) {
	t.Run("overwrite resets progress", func(t *testing.T) {
		r := newTestRegistry(t)
		mustRegister(t, r, registration(1, 3, 1000))
		_, err := r.MarkMilestoneComplete(oracle, 1)
		require.NoError(t, err)
		_, err = r.ReleaseFunding(dao, 1, 400)
		require.NoError(t, err)

		mustRegister(t, r, registration(1, 2, 500))

		p, err := r.Project(1)
		require.NoError(t, err)
		assert.Equal(t, []bool{false, false}, p.Milestones)
		assert.Equal(t, 0, p.NextMilestone)
		assert.Equal(t, Amount(500), p.TotalFunding)
		assert.Equal(t, Amount(0), p.ReleasedFunding)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("reject keeps the original", func(t *testing.T) {
		r := newTestRegistry(t, func(p *Policy) { p.Duplicates = DuplicateReject })
		mustRegister(t, r, registration(1, 3, 1000))

		ok, err := r.RegisterProject(admin, registration(1, 2, 500))
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		p, err := r.Project(1)
		require.NoError(t, err)
		assert.Len(t, p.Milestones, 3)
		assert.Equal(t, Amount(1000), p.TotalFunding)
	})
}

func TestMarkMilestoneComplete(t *testing.T) {
	t.Run("completes in order and then stops", func(t *testing.T) {
		const n = 4
		r := newTestRegistry(t)
		mustRegister(t, r, registration(1, n, 1000))

		for k := 0; k < n; k++ {
			assert.False(t, r.IsProjectComplete(1), "complete before milestone %d", k)
			idx, err := r.MarkMilestoneComplete(oracle, 1)
			require.NoError(t, err)
			assert.Equal(t, k, idx)
		}
		assert.True(t, r.IsProjectComplete(1))

		_, err := r.MarkMilestoneComplete(oracle, 1)
		assert.ErrorIs(t, err, ErrAllMilestonesComplete)
		assert.Equal(t, uint32(105), Code(err))

		p, err := r.Project(1)
		require.NoError(t, err)
		assert.Equal(t, n, p.NextMilestone)
		assert.Equal(t, []bool{true, true, true, true}, p.Milestones)
	})

	t.Run("only the oracle may attest", func(t *testing.T) {
		r := newTestRegistry(t)
		mustRegister(t, r, registration(1, 3, 1000))

		for _, caller := range []Identity{admin, dao, founder} {
			_, err := r.MarkMilestoneComplete(caller, 1)
			assert.ErrorIs(t, err, ErrUnauthorized)

			var denied *rbac.PermissionDeniedError
			require.True(t, errors.As(err, &denied))
			assert.Equal(t, rbac.RoleOracle, denied.Role)
		}

		p, err := r.Project(1)
		require.NoError(t, err)
		assert.Equal(t, 0, p.NextMilestone)
	})

	t.Run("unknown project", func(t *testing.T) {
		r := newTestRegistry(t)
		_, err := r.MarkMilestoneComplete(oracle, 99)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, uint32(101), Code(err))
	})

	t.Run("not found is checked before authorization", func(t *testing.T) {
		r := newTestRegistry(t)
		_, err := r.MarkMilestoneComplete(founder, 99)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unauthorized is checked before completion", func(t *testing.T) {
		r := newTestRegistry(t)
		mustRegister(t, r, registration(1, 0, 10))
		_, err := r.MarkMilestoneComplete(dao, 1)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestReleaseFunding(t *testing.T) {
	t.Run("releases up to the allocation", func(t *testing.T) {
		r := newTestRegistry(t)
		mustRegister(t, r, registration(1, 3, 1000))

		idx, err := r.MarkMilestoneComplete(oracle, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, idx)

		released, err := r.ReleaseFunding(dao, 1, 300)
		require.NoError(t, err)
		assert.Equal(t, Amount(300), released)

		released, err = r.ReleaseFunding(dao, 1, 700)
		require.NoError(t, err)
		assert.Equal(t, Amount(700), released)

		_, err = r.ReleaseFunding(dao, 1, 1)
		assert.ErrorIs(t, err, ErrExceedsAllocation)
		assert.Equal(t, uint32(103), Code(err))

		p, err := r.Project(1)
		require.NoError(t, err)
		assert.Equal(t, Amount(1000), p.ReleasedFunding)
		assert.Equal(t, Amount(0), p.Remaining())
	})

	t.Run("over-release leaves the total unchanged", func(t *testing.T) {
		r := newTestRegistry(t)
		mustRegister(t, r, registration(1, 3, 1000))

		_, err := r.ReleaseFunding(dao, 1, 700)
		require.NoError(t, err)
		_, err = r.ReleaseFunding(dao, 1, 400)
		assert.ErrorIs(t, err, ErrExceedsAllocation)

		p, err := r.Project(1)
		require.NoError(t, err)
		assert.Equal(t, Amount(700), p.ReleasedFunding)
	})

	t.Run("huge amounts do not wrap around", func(t *testing.T) {
		r := newTestRegistry(t)
		mustRegister(t, r, registration(1, 1, 1000))
		_, err := r.ReleaseFunding(dao, 1, 10)
		require.NoError(t, err)

		_, err = r.ReleaseFunding(dao, 1, ^Amount(0))
		assert.ErrorIs(t, err, ErrExceedsAllocation)
	})

	t.Run("release ignores milestones by default", func(t *testing.T) {
		r := newTestRegistry(t)
		mustRegister(t, r, registration(1, 3, 1000))
		released, err := r.ReleaseFunding(dao, 1, 1000)
		require.NoError(t, err)
		assert.Equal(t, Amount(1000), released)
	})

	t.Run("only the dao may release", func(t *testing.T) {
		r := newTestRegistry(t)
		mustRegister(t, r, registration(1, 3, 1000))
		for _, caller := range []Identity{admin, oracle, founder} {
			_, err := r.ReleaseFunding(caller, 1, 1)
			assert.ErrorIs(t, err, ErrUnauthorized)
		}
	})

	t.Run("unknown project", func(t *testing.T) {
		r := newTestRegistry(t)
		_, err := r.ReleaseFunding(dao, 99, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestReleaseFunding_Gated(t *testing.T) {
	r := newTestRegistry(t, func(p *Policy) { p.GateRelease = true })
	mustRegister(t, r, registration(1, 3, 1000))

	_, err := r.ReleaseFunding(dao, 1, 1)
	assert.ErrorIs(t, err, ErrExceedsAllocation)

	_, err = r.MarkMilestoneComplete(oracle, 1)
	require.NoError(t, err)

	// floor(1000 * 1 / 3)
	_, err = r.ReleaseFunding(dao, 1, 334)
	assert.ErrorIs(t, err, ErrExceedsAllocation)
	released, err := r.ReleaseFunding(dao, 1, 333)
	require.NoError(t, err)
	assert.Equal(t, Amount(333), released)

	_, err = r.MarkMilestoneComplete(oracle, 1)
	require.NoError(t, err)
	_, err = r.MarkMilestoneComplete(oracle, 1)
	require.NoError(t, err)

	released, err = r.ReleaseFunding(dao, 1, 667)
	require.NoError(t, err)
	assert.Equal(t, Amount(667), released)
}

func TestIsProjectComplete(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, registration(1, 2, 500))

	_, err := r.MarkMilestoneComplete(oracle, 1)
	require.NoError(t, err)
	assert.False(t, r.IsProjectComplete(1))

	_, err = r.MarkMilestoneComplete(oracle, 1)
	require.NoError(t, err)
	assert.True(t, r.IsProjectComplete(1))

	assert.False(t, r.IsProjectComplete(99))
}

func TestProject_ReturnsCopy(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, registration(1, 2, 500))

	p, err := r.Project(1)
	require.NoError(t, err)
	p.Milestones[0] = true
	p.ReleasedFunding = 500

	stored, err := r.Project(1)
	require.NoError(t, err)
	assert.False(t, stored.Milestones[0])
	assert.Equal(t, Amount(0), stored.ReleasedFunding)
}

func TestRegistry_ConcurrentCallers(t *testing.T) {
	const (
		milestones = 20
		funding    = 1000
		workers    = 50
	)
	r := newTestRegistry(t)
	mustRegister(t, r, registration(1, milestones, funding))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		indexes  = map[int]int{}
		released Amount
	)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if idx, err := r.MarkMilestoneComplete(oracle, 1); err == nil {
				mu.Lock()
				indexes[idx]++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAllMilestonesComplete)
			}
		}()
		go func() {
			defer wg.Done()
			if n, err := r.ReleaseFunding(dao, 1, 30); err == nil {
				mu.Lock()
				released += n
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrExceedsAllocation)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, indexes, milestones)
	for idx, count := range indexes {
		assert.Equal(t, 1, count, "milestone %d completed more than once", idx)
	}
	assert.True(t, r.IsProjectComplete(1))

	p, err := r.Project(1)
	require.NoError(t, err)
	assert.Equal(t, released, p.ReleasedFunding)
	assert.Equal(t, Amount(990), released) // 33 releases of 30
}

func TestRegistry_WithStateReturnsPostChangeSnapshot(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, registration(1, 2, 1000))

	idx, p, err := r.MarkMilestoneCompleteWithState(oracle, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 1, p.NextMilestone)
	assert.False(t, p.IsComplete())

	amount, p, err := r.ReleaseFundingWithState(dao, 1, 250)
	require.NoError(t, err)
	assert.Equal(t, Amount(250), amount)
	assert.Equal(t, Amount(250), p.ReleasedFunding)
	assert.Equal(t, Amount(750), p.Remaining())

	_, p, err = r.ReleaseFundingWithState(dao, 1, 751)
	assert.ErrorIs(t, err, ErrExceedsAllocation)
	assert.Zero(t, p.ID)
}
