package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/hivegrid/hivegrid/models"
)

// Gormstore is the gorm-backed implementation of Store. It works against
// sqlite and postgres; open the handle with TranslateError enabled so
// duplicate-key failures surface as gorm.ErrDuplicatedKey.
type Gormstore struct {
	db *gorm.DB
}

func NewGormstore(db *gorm.DB) *Gormstore {
	return &Gormstore{db: db}
}

// AutoMigrate creates or updates all tables this store manages.
func (s *Gormstore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.Account{},
		&models.WarmupPlan{},
		&models.WarmupTask{},
		&models.Distribution{},
		&models.ScheduledSlot{},
		&models.ExecutionResult{},
		&models.RotationCursor{},
	)
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *Gormstore) GetAccount(ctx context.Context, id uint) (*models.Account, error) {
	var acc models.Account
	if err := s.db.WithContext(ctx).First(&acc, id).Error; err != nil {
		return nil, translate(err)
	}
	return &acc, nil
}

func (s *Gormstore) ListAccounts(ctx context.Context, owner string, states []models.AccountState, exclude []uint) ([]*models.Account, error) {
	q := s.db.WithContext(ctx).Where("owner = ?", owner)
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	var accs []*models.Account
	if err := q.Find(&accs).Error; err != nil {
		return nil, err
	}
	return accs, nil
}

func (s *Gormstore) SaveAccount(ctx context.Context, acc *models.Account) error {
	return s.db.WithContext(ctx).Save(acc).Error
}

func (s *Gormstore) UpdateAccountState(ctx context.Context, id uint, next models.AccountState) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acc models.Account
		if err := tx.First(&acc, id).Error; err != nil {
			return translate(err)
		}
		if !acc.State.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrStateConflict, acc.State, next)
		}
		return tx.Model(&acc).Update("state", next).Error
	})
}

func (s *Gormstore) TouchAccountAction(ctx context.Context, id uint, action models.ActionType, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acc models.Account
		if err := tx.First(&acc, id).Error; err != nil {
			return translate(err)
		}
		if acc.LastActions == nil {
			acc.LastActions = models.ActionTimes{}
		}
		acc.LastActions[action] = at
		return tx.Model(&acc).Update("last_actions", acc.LastActions).Error
	})
}

func (s *Gormstore) CreatePlan(ctx context.Context, plan *models.WarmupPlan, tasks []models.WarmupTask) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(plan).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrPlanExists
			}
			return err
		}
		for i := range tasks {
			tasks[i].PlanID = plan.ID
			tasks[i].AccountID = plan.AccountID
		}
		return tx.Create(&tasks).Error
	})
}

func (s *Gormstore) GetPlan(ctx context.Context, accountID uint) (*models.WarmupPlan, []models.WarmupTask, error) {
	var plan models.WarmupPlan
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&plan).Error; err != nil {
		return nil, nil, translate(err)
	}
	var tasks []models.WarmupTask
	if err := s.db.WithContext(ctx).Where("plan_id = ?", plan.ID).Order("day, id").Find(&tasks).Error; err != nil {
		return nil, nil, err
	}
	return &plan, tasks, nil
}

func (s *Gormstore) UpdateTask(ctx context.Context, taskID uint, status models.TaskStatus, completed int) error {
	// guard on the only legal predecessor so a stale executor callback
	// cannot reopen or flip a settled task
	var from models.TaskStatus
	switch status {
	case models.TaskInProgress:
		from = models.TaskPending
	case models.TaskCompleted, models.TaskFailed:
		from = models.TaskInProgress
	default:
		return fmt.Errorf("%w: task cannot move to %s", ErrStateConflict, status)
	}

	res := s.db.WithContext(ctx).Model(&models.WarmupTask{}).
		Where("id = ? AND status = ?", taskID, from).
		Updates(map[string]any{"status": status, "completed": completed})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var t models.WarmupTask
		if err := s.db.WithContext(ctx).First(&t, taskID).Error; err != nil {
			return translate(err)
		}
		return fmt.Errorf("%w: task cannot move from %s to %s", ErrStateConflict, t.Status, status)
	}
	return nil
}

func (s *Gormstore) DeleteIncompleteTasks(ctx context.Context, accountID uint) (int64, error) {
	res := s.db.WithContext(ctx).Where("account_id = ? AND status <> ?", accountID, models.TaskCompleted).
		Delete(&models.WarmupTask{})
	return res.RowsAffected, res.Error
}

func (s *Gormstore) CreateDistribution(ctx context.Context, d *models.Distribution) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *Gormstore) GetDistribution(ctx context.Context, id string) (*models.Distribution, error) {
	var d models.Distribution
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (s *Gormstore) UpdateDistributionStatus(ctx context.Context, id string, status models.DistributionStatus) error {
	res := s.db.WithContext(ctx).Model(&models.Distribution{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gormstore) SetDistributionRisk(ctx context.Context, id string, level models.RiskLevel) error {
	return s.db.WithContext(ctx).Model(&models.Distribution{}).Where("id = ?", id).Update("risk_level", level).Error
}

func (s *Gormstore) CancelDistribution(ctx context.Context, id, reason string) error {
	res := s.db.WithContext(ctx).Model(&models.Distribution{}).Where("id = ?", id).
		Updates(map[string]any{"status": models.DistributionCancelled, "cancel_reason": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gormstore) CreateSlots(ctx context.Context, slots []models.ScheduledSlot) error {
	if len(slots) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&slots).Error
}

func (s *Gormstore) SlotsForDistribution(ctx context.Context, distributionID string) ([]models.ScheduledSlot, error) {
	var slots []models.ScheduledSlot
	err := s.db.WithContext(ctx).Where("distribution_id = ?", distributionID).Order("scheduled_at").Find(&slots).Error
	return slots, err
}

func (s *Gormstore) OpenSlots(ctx context.Context, distributionID string) ([]models.ScheduledSlot, error) {
	var slots []models.ScheduledSlot
	err := s.db.WithContext(ctx).
		Where("distribution_id = ? AND status <> ?", distributionID, models.SlotCancelled).
		Order("scheduled_at").Find(&slots).Error
	return slots, err
}

func (s *Gormstore) MarkSlot(ctx context.Context, slotID uint, status models.SlotStatus, jobID string) error {
	updates := map[string]any{"status": status}
	if jobID != "" {
		updates["job_id"] = jobID
	}
	res := s.db.WithContext(ctx).Model(&models.ScheduledSlot{}).Where("id = ?", slotID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gormstore) SlotsForFingerprintBetween(ctx context.Context, fingerprint string, from, to time.Time) ([]models.ScheduledSlot, error) {
	var slots []models.ScheduledSlot
	err := s.db.WithContext(ctx).
		Where("content_fingerprint = ? AND status <> ? AND scheduled_at BETWEEN ? AND ?",
			fingerprint, models.SlotCancelled, from, to).
		Find(&slots).Error
	return slots, err
}

func (s *Gormstore) CountSlotsBetween(ctx context.Context, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ScheduledSlot{}).
		Where("status <> ? AND scheduled_at BETWEEN ? AND ?", models.SlotCancelled, from, to).
		Count(&n).Error
	return n, err
}

func (s *Gormstore) RecordResult(ctx context.Context, res *models.ExecutionResult) error {
	return s.db.WithContext(ctx).Create(res).Error
}

func (s *Gormstore) ResolveResult(ctx context.Context, distributionID string, accountID uint, status models.ResultStatus, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&models.ExecutionResult{}).
		Where("distribution_id = ? AND account_id = ? AND status = ?", distributionID, accountID, models.ResultQueued).
		Updates(map[string]any{"status": status, "error": errMsg})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gormstore) CountResultsByStatus(ctx context.Context, distributionID string) (map[models.ResultStatus]int, error) {
	type row struct {
		Status models.ResultStatus
		N      int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.ExecutionResult{}).
		Select("status, count(*) as n").
		Where("distribution_id = ?", distributionID).
		Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.ResultStatus]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func (s *Gormstore) NextRotation(ctx context.Context, owner string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	var pos int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.RotationCursor
		if err := tx.Where("owner = ?", owner).First(&cur).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			cur = models.RotationCursor{Owner: owner}
			if err := tx.Create(&cur).Error; err != nil {
				return err
			}
		}
		pos = cur.Position % n
		return tx.Model(&cur).Update("position", cur.Position+1).Error
	})
	return pos, err
}

var _ Store = (*Gormstore)(nil)
