package services

import (
	"context"
	"errors"
	"testing"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/db"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type migrationFixture struct {
	*hostFixture
	tasks     ports.MigrationTaskRepository
	inventory *stubInventory
	launcher  *stubLauncher
	svc       ports.MigrationService
	source    *domain.Host
	target    *domain.Host
}

func newMigrationFixture(t *testing.T) *migrationFixture {
	t.Helper()
	hf := newHostFixture(t)
	f := &migrationFixture{
		hostFixture: hf,
		tasks:       db.NewMigrationTaskRepository(hf.db, logger.NewNop()),
		inventory: &stubInventory{guests: []domain.Guest{
			{VMID: 200, Type: domain.GuestTypeLXC, Name: "dns"},
			{VMID: 101, Type: domain.GuestTypeQemu, Name: "web"},
		}},
		launcher: &stubLauncher{},
	}
	f.source = hf.addHost(t, "pve1", "10.0.0.1", false)
	f.target = hf.addHost(t, "pve2", "10.0.1.1", true)
	f.svc = f.newService(f.tasks)
	return f
}

func (f *migrationFixture) newService(tasks ports.MigrationTaskRepository) ports.MigrationService {
	return NewMigrationService(MigrationServiceConfig{
		Tasks:     tasks,
		Hosts:     f.hostFixture.svc,
		Inventory: f.inventory,
		Launcher:  f.launcher,
		Timeline:  f.timeline,
		Logger:    logger.NewNop(),
	})
}

func TestMigrationService_StartMigration(t *testing.T) {
	ctx := context.Background()

	t.Run("Should plan and launch a whole-host migration", func(t *testing.T) {
		f := newMigrationFixture(t)

		id, err := f.svc.StartMigration(ctx, ports.StartMigrationInput{
			SourceHostID:  f.source.ID,
			TargetHostID:  f.target.ID,
			TargetStorage: "local-zfs",
			Online:        true,
		})

		require.NoError(t, err)
		assert.Equal(t, []string{id}, f.launcher.launched)

		task, err := f.svc.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.MigrationStatusPending, task.Status)
		assert.Equal(t, domain.MigrationKindHost, task.Kind)
		assert.True(t, task.AutoVMID)
		assert.Equal(t, "local-zfs", task.TargetStorage)
		assert.Equal(t, 4, task.TotalSteps)
		require.Len(t, task.Steps, 4)
		assert.Equal(t, domain.StepTypeConfig, task.Steps[0].Type)
		assert.Equal(t, "Migrate VM 101 (web)", task.Steps[1].Name)
		assert.Equal(t, "Migrate CT 200 (dns)", task.Steps[2].Name)
		assert.Equal(t, domain.StepTypeFinalize, task.Steps[3].Type)

		events, err := f.timeline.GetByResource(ctx, domain.ResourceTypeMigration, id)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, domain.EventTypeMigrationCreated, events[0].Type)
	})

	t.Run("Should reject the same host on both sides", func(t *testing.T) {
		f := newMigrationFixture(t)
		_, err := f.svc.StartMigration(ctx, ports.StartMigrationInput{SourceHostID: f.source.ID, TargetHostID: f.source.ID})
		assert.ErrorIs(t, err, ErrMigrationSameHost)
		assert.Empty(t, f.launcher.launched)
	})

	t.Run("Should reject unknown hosts", func(t *testing.T) {
		f := newMigrationFixture(t)
		_, err := f.svc.StartMigration(ctx, ports.StartMigrationInput{SourceHostID: f.source.ID, TargetHostID: 99})
		assert.ErrorIs(t, err, ErrHostNotFound)

		_, err = f.svc.StartMigration(ctx, ports.StartMigrationInput{TargetHostID: f.target.ID})
		assert.ErrorIs(t, err, ErrMigrationInvalidInput)
	})

	t.Run("Should fail when the inventory is unavailable", func(t *testing.T) {
		f := newMigrationFixture(t)
		f.inventory.err = errors.New("no route to host")

		_, err := f.svc.StartMigration(ctx, ports.StartMigrationInput{SourceHostID: f.source.ID, TargetHostID: f.target.ID})

		assert.ErrorContains(t, err, "no route to host")
		tasks, err := f.svc.ListTasks(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("Should mark the task failed when it cannot be launched", func(t *testing.T) {
		f := newMigrationFixture(t)
		f.launcher.err = errors.New("engine closed")

		id, err := f.svc.StartMigration(ctx, ports.StartMigrationInput{SourceHostID: f.source.ID, TargetHostID: f.target.ID})

		require.Error(t, err)
		task, err := f.svc.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.MigrationStatusFailed, task.Status)
		assert.Equal(t, "engine closed", task.Error)
	})
}

func TestMigrationService_StartGuestMigration(t *testing.T) {
	ctx := context.Background()

	t.Run("Should plan a single named step", func(t *testing.T) {
		f := newMigrationFixture(t)
		target := 150

		id, err := f.svc.StartGuestMigration(ctx, ports.StartGuestMigrationInput{
			SourceHostID: f.source.ID,
			TargetHostID: f.target.ID,
			VMID:         101,
			VMType:       domain.GuestTypeQemu,
			TargetVMID:   &target,
			TargetBridge: "vmbr1",
		})

		require.NoError(t, err)
		task, err := f.svc.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.MigrationKindGuest, task.Kind)
		require.NotNil(t, task.TargetVMID)
		assert.Equal(t, 150, *task.TargetVMID)
		require.Len(t, task.Steps, 1)
		assert.Equal(t, "Migrate VM 101 (web)", task.Steps[0].Name)
		assert.Equal(t, domain.StepTypeVM, task.Steps[0].Type)
	})

	t.Run("Should reject a guest missing from the source", func(t *testing.T) {
		f := newMigrationFixture(t)
		_, err := f.svc.StartGuestMigration(ctx, ports.StartGuestMigrationInput{
			SourceHostID: f.source.ID, TargetHostID: f.target.ID, VMID: 101, VMType: domain.GuestTypeLXC,
		})
		assert.ErrorIs(t, err, ErrMigrationInvalidInput)
	})

	t.Run("Should proceed unnamed when the inventory is unreachable", func(t *testing.T) {
		f := newMigrationFixture(t)
		f.inventory.err = errors.New("timeout")

		id, err := f.svc.StartGuestMigration(ctx, ports.StartGuestMigrationInput{
			SourceHostID: f.source.ID, TargetHostID: f.target.ID, VMID: 300, VMType: domain.GuestTypeLXC, AutoVMID: true,
		})

		require.NoError(t, err)
		task, err := f.svc.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Migrate CT 300", task.Steps[0].Name)
		assert.True(t, task.AutoVMID)
	})

	t.Run("Should validate guest ids and types", func(t *testing.T) {
		f := newMigrationFixture(t)
		low := 5
		cases := []ports.StartGuestMigrationInput{
			{SourceHostID: f.source.ID, TargetHostID: f.target.ID, VMID: 99, VMType: domain.GuestTypeQemu},
			{SourceHostID: f.source.ID, TargetHostID: f.target.ID, VMID: 101, VMType: "docker"},
			{SourceHostID: f.source.ID, TargetHostID: f.target.ID, VMID: 101, VMType: domain.GuestTypeQemu, TargetVMID: &low},
		}
		for _, in := range cases {
			_, err := f.svc.StartGuestMigration(ctx, in)
			assert.ErrorIs(t, err, ErrMigrationInvalidInput)
		}
	})
}

type limitRecorder struct {
	ports.MigrationTaskRepository
	limit int
}

func (r *limitRecorder) List(ctx context.Context, limit int) ([]domain.MigrationTask, error) {
	r.limit = limit
	return nil, nil
}

func TestMigrationService_Tasks(t *testing.T) {
	ctx := context.Background()

	t.Run("Should clamp list limits", func(t *testing.T) {
		f := newMigrationFixture(t)
		rec := &limitRecorder{MigrationTaskRepository: f.tasks}
		svc := f.newService(rec)

		_, _ = svc.ListTasks(ctx, 0)
		assert.Equal(t, 50, rec.limit)
		_, _ = svc.ListTasks(ctx, 10000)
		assert.Equal(t, 500, rec.limit)
		_, _ = svc.ListTasks(ctx, 7)
		assert.Equal(t, 7, rec.limit)
	})

	t.Run("Should map unknown ids to not found", func(t *testing.T) {
		f := newMigrationFixture(t)
		_, err := f.svc.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
		assert.ErrorIs(t, f.svc.CancelTask(ctx, "missing"), ErrTaskNotFound)
	})

	t.Run("Should cancel a pending task", func(t *testing.T) {
		f := newMigrationFixture(t)
		id, err := f.svc.StartMigration(ctx, ports.StartMigrationInput{SourceHostID: f.source.ID, TargetHostID: f.target.ID})
		require.NoError(t, err)

		require.NoError(t, f.svc.CancelTask(ctx, id))

		task, err := f.svc.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.MigrationStatusCancelled, task.Status)
		assert.NotNil(t, task.CompletedAt)
		assert.Contains(t, task.Log, "Cancellation requested")

		events, err := f.timeline.GetByResource(ctx, domain.ResourceTypeMigration, id)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("Should leave a finished task alone", func(t *testing.T) {
		f := newMigrationFixture(t)
		id, err := f.svc.StartMigration(ctx, ports.StartMigrationInput{SourceHostID: f.source.ID, TargetHostID: f.target.ID})
		require.NoError(t, err)
		ok, err := f.tasks.TransitionStatus(ctx, id, []domain.MigrationStatus{domain.MigrationStatusPending}, domain.MigrationStatusCompleted, nil)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, f.svc.CancelTask(ctx, id))

		task, err := f.svc.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.MigrationStatusCompleted, task.Status)
		assert.NotContains(t, task.Log, "Cancellation requested")
	})
}
