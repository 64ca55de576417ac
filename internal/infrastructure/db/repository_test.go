package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hostshift/backend/internal/config"
	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := NewConnection(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"}, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, RunMigrations(db))
	t.Cleanup(func() { Close(db) })
	return db
}

func intPtr(v int) *int { return &v }

func newTask(status domain.MigrationStatus, created time.Time) *domain.MigrationTask {
	return &domain.MigrationTask{
		ID:           uuid.New().String(),
		CreatedAt:    created,
		Kind:         domain.MigrationKindGuest,
		SourceHostID: 1,
		TargetHostID: 2,
		Status:       status,
		TotalSteps:   1,
		Steps: domain.MigrationSteps{
			{Type: domain.StepTypeVM, Name: "Migrate VM 101 (web)", VMID: intPtr(101), VMType: domain.GuestTypeQemu, Status: domain.StepStatusPending},
		},
	}
}

func TestHostRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewHostRepository(setupTestDB(t), logger.NewNop())

	host := &domain.Host{Name: "pve1", Address: "10.0.0.1", SSHPort: 22, AuthData: "enc"}
	require.NoError(t, repo.Create(ctx, host))
	require.NotZero(t, host.ID)

	t.Run("Should find by id and address", func(t *testing.T) {
		got, err := repo.GetByID(ctx, host.ID)
		require.NoError(t, err)
		assert.Equal(t, "pve1", got.Name)
		assert.Equal(t, 8006, got.APIPort)
		assert.Equal(t, domain.HostStatusUnknown, got.Status)

		got, err = repo.GetByAddress(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, host.ID, got.ID)
	})

	t.Run("Should return ErrNotFound for unknown id", func(t *testing.T) {
		_, err := repo.GetByID(ctx, 999)
		assert.ErrorIs(t, err, ports.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, 999), ports.ErrNotFound)
	})

	t.Run("Should soft delete and restore", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, host.ID))

		_, err := repo.GetByAddress(ctx, "10.0.0.1")
		assert.ErrorIs(t, err, ports.ErrNotFound)

		deleted, err := repo.GetByAddressWithDeleted(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, repo.Restore(ctx, deleted))

		all, err := repo.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestMigrationTaskRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMigrationTaskRepository(setupTestDB(t), logger.NewNop())

	t.Run("Should persist steps inline and read them back", func(t *testing.T) {
		task := newTask(domain.MigrationStatusPending, time.Now())
		require.NoError(t, repo.Create(ctx, task))

		got, err := repo.GetByID(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, got.Steps, 1)
		assert.Equal(t, 101, *got.Steps[0].VMID)
		assert.Equal(t, domain.GuestTypeQemu, got.Steps[0].VMType)
		assert.Equal(t, "", got.Log)
	})

	t.Run("Should only transition from allowed states", func(t *testing.T) {
		task := newTask(domain.MigrationStatusPending, time.Now())
		require.NoError(t, repo.Create(ctx, task))

		ok, err := repo.TransitionStatus(ctx, task.ID,
			[]domain.MigrationStatus{domain.MigrationStatusPending, domain.MigrationStatusRunning},
			domain.MigrationStatusCancelled, nil)
		require.NoError(t, err)
		assert.True(t, ok)

		now := time.Now()
		ok, err = repo.TransitionStatus(ctx, task.ID,
			[]domain.MigrationStatus{domain.MigrationStatusRunning},
			domain.MigrationStatusCompleted, map[string]interface{}{"completed_at": now})
		require.NoError(t, err)
		assert.False(t, ok)

		status, err := repo.GetStatus(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.MigrationStatusCancelled, status)
	})

	t.Run("Should append log lines in order", func(t *testing.T) {
		task := newTask(domain.MigrationStatusRunning, time.Now())
		require.NoError(t, repo.Create(ctx, task))

		require.NoError(t, repo.AppendLog(ctx, task.ID, "a\n"))
		require.NoError(t, repo.AppendLog(ctx, task.ID, "b\n"))

		got, err := repo.GetByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "a\nb\n", got.Log)
	})

	t.Run("Should update progress without touching status", func(t *testing.T) {
		task := newTask(domain.MigrationStatusRunning, time.Now())
		require.NoError(t, repo.Create(ctx, task))

		steps := append(domain.MigrationSteps(nil), task.Steps...)
		steps[0].Status = domain.StepStatusCompleted
		require.NoError(t, repo.UpdateProgress(ctx, task.ID, ports.TaskProgress{CurrentStep: "done", Progress: 1, Steps: steps}))

		got, err := repo.GetByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.MigrationStatusRunning, got.Status)
		assert.Equal(t, 1, got.Progress)
		assert.Equal(t, "done", got.CurrentStep)
		assert.Equal(t, domain.StepStatusCompleted, got.Steps[0].Status)
	})

	t.Run("Should leave progress of a cancelled task frozen", func(t *testing.T) {
		task := newTask(domain.MigrationStatusRunning, time.Now())
		require.NoError(t, repo.Create(ctx, task))
		ok, err := repo.TransitionStatus(ctx, task.ID, []domain.MigrationStatus{domain.MigrationStatusRunning}, domain.MigrationStatusCancelled, nil)
		require.NoError(t, err)
		require.True(t, ok)

		steps := append(domain.MigrationSteps(nil), task.Steps...)
		steps[0].Status = domain.StepStatusCompleted
		require.NoError(t, repo.UpdateProgress(ctx, task.ID, ports.TaskProgress{CurrentStep: "done", Progress: 1, Steps: steps}))

		got, err := repo.GetByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.MigrationStatusCancelled, got.Status)
		assert.Equal(t, 0, got.Progress)
		assert.NotEqual(t, "done", got.CurrentStep)
		assert.Equal(t, task.Steps[0].Status, got.Steps[0].Status)
	})

	t.Run("Should list newest first with limit", func(t *testing.T) {
		db := setupTestDB(t)
		r := NewMigrationTaskRepository(db, logger.NewNop())
		base := time.Now().Add(-time.Hour)
		var ids []string
		for i := 0; i < 3; i++ {
			task := newTask(domain.MigrationStatusCompleted, base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, r.Create(ctx, task))
			ids = append(ids, task.ID)
		}

		list, err := r.List(ctx, 2)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, ids[2], list[0].ID)
		assert.Equal(t, ids[1], list[1].ID)
	})

	t.Run("Should report missing task", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "nope")
		assert.ErrorIs(t, err, ports.ErrNotFound)
		_, err = repo.GetStatus(ctx, "nope")
		assert.ErrorIs(t, err, ports.ErrNotFound)
	})
}

func TestScheduledMigrationRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewScheduledMigrationRepository(setupTestDB(t), logger.NewNop())

	on := &domain.ScheduledMigration{ID: uuid.New().String(), Name: "nightly", SourceHostID: 1, TargetHostID: 2, Cron: "0 0 2 * * *", Enabled: true}
	off := &domain.ScheduledMigration{ID: uuid.New().String(), Name: "paused", SourceHostID: 1, TargetHostID: 2, Cron: "0 0 3 * * *", Enabled: false}
	require.NoError(t, repo.Upsert(ctx, on))
	require.NoError(t, repo.Upsert(ctx, off))

	enabled, err := repo.GetEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "nightly", enabled[0].Name)

	next := time.Now().Add(time.Hour)
	require.NoError(t, repo.RecordRun(ctx, on.ID, time.Now(), &next, "task-1", ""))
	got, err := repo.GetByName(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "task-1", got.LastTaskID)
	assert.NotNil(t, got.LastRunAt)

	require.NoError(t, repo.Delete(ctx, off.ID))
	assert.ErrorIs(t, repo.Delete(ctx, off.ID), ports.ErrNotFound)
}

func TestSystemSettingRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSystemSettingRepository(setupTestDB(t), logger.NewNop())

	missing, err := repo.Get(ctx, "ssh_public_key")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, repo.Set(ctx, &domain.SystemSetting{Key: "ssh_public_key", Value: "v1", Type: "string", Category: "security"}))
	require.NoError(t, repo.Set(ctx, &domain.SystemSetting{Key: "ssh_public_key", Value: "v2", Type: "string", Category: "security"}))

	got, err := repo.Get(ctx, "ssh_public_key")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Value)

	require.NoError(t, repo.Delete(ctx, "ssh_public_key"))
	require.NoError(t, repo.Set(ctx, &domain.SystemSetting{Key: "ssh_public_key", Value: "v3", Type: "string", Category: "security"}))

	list, err := repo.GetByCategory(ctx, "security")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "v3", list[0].Value)
}

func TestTimelineRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewTimelineRepository(setupTestDB(t), logger.NewNop())

	for _, typ := range []string{domain.EventTypeMigrationCreated, domain.EventTypeMigrationStarted} {
		require.NoError(t, repo.Create(ctx, &domain.TimelineEvent{
			Type:         typ,
			Status:       domain.EventStatusSuccess,
			ResourceType: domain.ResourceTypeMigration,
			ResourceID:   "t1",
			Meta:         domain.JSONB{"source_host_id": 1},
		}))
	}

	events, err := repo.GetByResource(ctx, domain.ResourceTypeMigration, "t1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTypeMigrationStarted, events[0].Type)
	assert.EqualValues(t, 1, events[0].Meta["source_host_id"])

	require.NoError(t, repo.CleanupOld(ctx, -time.Minute))
	all, err := repo.GetAll(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, all)
}
