package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hivegrid/hivegrid/models"
)

// Memstore is an in-memory implementation of Store for tests and local
// development. All methods are safe for concurrent use.
type Memstore struct {
	lk sync.RWMutex

	accounts      map[uint]*models.Account
	plans         map[uint]*models.WarmupPlan // keyed by account ID
	tasks         map[uint]*models.WarmupTask
	distributions map[string]*models.Distribution
	slots         map[uint]*models.ScheduledSlot
	results       []*models.ExecutionResult
	cursors       map[string]int

	nextID uint
}

func NewMemstore() *Memstore {
	return &Memstore{
		accounts:      make(map[uint]*models.Account),
		plans:         make(map[uint]*models.WarmupPlan),
		tasks:         make(map[uint]*models.WarmupTask),
		distributions: make(map[string]*models.Distribution),
		slots:         make(map[uint]*models.ScheduledSlot),
		cursors:       make(map[string]int),
	}
}

func (s *Memstore) allocID() uint {
	s.nextID++
	return s.nextID
}

func (s *Memstore) GetAccount(ctx context.Context, id uint) (*models.Account, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *Memstore) ListAccounts(ctx context.Context, owner string, states []models.AccountState, exclude []uint) ([]*models.Account, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	excluded := make(map[uint]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	wantState := make(map[models.AccountState]bool, len(states))
	for _, st := range states {
		wantState[st] = true
	}

	var out []*models.Account
	for _, acc := range s.accounts {
		if acc.Owner != owner || excluded[acc.ID] {
			continue
		}
		if len(wantState) > 0 && !wantState[acc.State] {
			continue
		}
		cp := *acc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memstore) SaveAccount(ctx context.Context, acc *models.Account) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if acc.ID == 0 {
		acc.ID = s.allocID()
		if acc.CreatedAt.IsZero() {
			acc.CreatedAt = time.Now()
		}
	}
	cp := *acc
	s.accounts[acc.ID] = &cp
	return nil
}

func (s *Memstore) UpdateAccountState(ctx context.Context, id uint, next models.AccountState) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	if !acc.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrStateConflict, acc.State, next)
	}
	acc.State = next
	return nil
}

func (s *Memstore) TouchAccountAction(ctx context.Context, id uint, action models.ActionType, at time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	if acc.LastActions == nil {
		acc.LastActions = models.ActionTimes{}
	}
	acc.LastActions[action] = at
	return nil
}

func (s *Memstore) CreatePlan(ctx context.Context, plan *models.WarmupPlan, tasks []models.WarmupTask) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.plans[plan.AccountID]; ok {
		return ErrPlanExists
	}
	plan.ID = s.allocID()
	cp := *plan
	s.plans[plan.AccountID] = &cp
	for i := range tasks {
		t := tasks[i]
		t.ID = s.allocID()
		t.PlanID = plan.ID
		t.AccountID = plan.AccountID
		s.tasks[t.ID] = &t
	}
	return nil
}

func (s *Memstore) GetPlan(ctx context.Context, accountID uint) (*models.WarmupPlan, []models.WarmupTask, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	plan, ok := s.plans[accountID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	var tasks []models.WarmupTask
	for _, t := range s.tasks {
		if t.PlanID == plan.ID {
			tasks = append(tasks, *t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Day != tasks[j].Day {
			return tasks[i].Day < tasks[j].Day
		}
		return tasks[i].ID < tasks[j].ID
	})
	cp := *plan
	return &cp, tasks, nil
}

func (s *Memstore) UpdateTask(ctx context.Context, taskID uint, status models.TaskStatus, completed int) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if !t.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: task cannot move from %s to %s", ErrStateConflict, t.Status, status)
	}
	t.Status = status
	t.Completed = completed
	return nil
}

func (s *Memstore) DeleteIncompleteTasks(ctx context.Context, accountID uint) (int64, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.AccountID == accountID && t.Status != models.TaskCompleted {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *Memstore) CreateDistribution(ctx context.Context, d *models.Distribution) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	cp := *d
	s.distributions[d.ID] = &cp
	return nil
}

func (s *Memstore) GetDistribution(ctx context.Context, id string) (*models.Distribution, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	d, ok := s.distributions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Memstore) UpdateDistributionStatus(ctx context.Context, id string, status models.DistributionStatus) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	d, ok := s.distributions[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = time.Now()
	return nil
}

func (s *Memstore) SetDistributionRisk(ctx context.Context, id string, level models.RiskLevel) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	d, ok := s.distributions[id]
	if !ok {
		return ErrNotFound
	}
	d.RiskLevel = level
	return nil
}

func (s *Memstore) CancelDistribution(ctx context.Context, id, reason string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	d, ok := s.distributions[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = models.DistributionCancelled
	d.CancelReason = reason
	d.UpdatedAt = time.Now()
	return nil
}

func (s *Memstore) CreateSlots(ctx context.Context, slots []models.ScheduledSlot) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for i := range slots {
		sl := slots[i]
		if sl.ID == 0 {
			sl.ID = s.allocID()
		}
		slots[i].ID = sl.ID
		s.slots[sl.ID] = &sl
	}
	return nil
}

func (s *Memstore) slotsWhere(keep func(*models.ScheduledSlot) bool) []models.ScheduledSlot {
	var out []models.ScheduledSlot
	for _, sl := range s.slots {
		if keep(sl) {
			out = append(out, *sl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

func (s *Memstore) SlotsForDistribution(ctx context.Context, distributionID string) ([]models.ScheduledSlot, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return s.slotsWhere(func(sl *models.ScheduledSlot) bool {
		return sl.DistributionID == distributionID
	}), nil
}

func (s *Memstore) OpenSlots(ctx context.Context, distributionID string) ([]models.ScheduledSlot, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return s.slotsWhere(func(sl *models.ScheduledSlot) bool {
		return sl.DistributionID == distributionID && sl.Status != models.SlotCancelled
	}), nil
}

func (s *Memstore) MarkSlot(ctx context.Context, slotID uint, status models.SlotStatus, jobID string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	sl, ok := s.slots[slotID]
	if !ok {
		return ErrNotFound
	}
	sl.Status = status
	if jobID != "" {
		sl.JobID = jobID
	}
	return nil
}

func (s *Memstore) SlotsForFingerprintBetween(ctx context.Context, fingerprint string, from, to time.Time) ([]models.ScheduledSlot, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return s.slotsWhere(func(sl *models.ScheduledSlot) bool {
		return sl.ContentFingerprint == fingerprint && sl.Status != models.SlotCancelled &&
			!sl.ScheduledAt.Before(from) && !sl.ScheduledAt.After(to)
	}), nil
}

func (s *Memstore) CountSlotsBetween(ctx context.Context, from, to time.Time) (int64, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	matched := s.slotsWhere(func(sl *models.ScheduledSlot) bool {
		return sl.Status != models.SlotCancelled && !sl.ScheduledAt.Before(from) && !sl.ScheduledAt.After(to)
	})
	return int64(len(matched)), nil
}

func (s *Memstore) RecordResult(ctx context.Context, res *models.ExecutionResult) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	cp := *res
	if cp.ID == 0 {
		cp.ID = s.allocID()
	}
	cp.CreatedAt = time.Now()
	s.results = append(s.results, &cp)
	return nil
}

func (s *Memstore) ResolveResult(ctx context.Context, distributionID string, accountID uint, status models.ResultStatus, errMsg string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, r := range s.results {
		if r.DistributionID == distributionID && r.AccountID == accountID && r.Status == models.ResultQueued {
			r.Status = status
			r.Error = errMsg
			return nil
		}
	}
	return ErrNotFound
}

func (s *Memstore) CountResultsByStatus(ctx context.Context, distributionID string) (map[models.ResultStatus]int, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	out := make(map[models.ResultStatus]int)
	for _, r := range s.results {
		if r.DistributionID == distributionID {
			out[r.Status]++
		}
	}
	return out, nil
}

func (s *Memstore) NextRotation(ctx context.Context, owner string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	pos := s.cursors[owner] % n
	s.cursors[owner]++
	return pos, nil
}

var _ Store = (*Memstore)(nil)
