package migration

import (
	"fmt"
	"sort"

	"github.com/hostshift/backend/internal/domain"
)

const (
	stepNameConfig   = "Backup host configuration"
	stepNameFinalize = "Finalize migration"
)

// PlanHost builds the step list of a whole-host migration: configuration
// backup, VMs by ascending id, containers by ascending id, finalize.
func PlanHost(guests []domain.Guest) domain.MigrationSteps {
	ordered := make([]domain.Guest, 0, len(guests))
	for _, g := range guests {
		if g.Type == domain.GuestTypeQemu || g.Type == domain.GuestTypeLXC {
			ordered = append(ordered, g)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Type != ordered[j].Type {
			return ordered[i].Type == domain.GuestTypeQemu
		}
		return ordered[i].VMID < ordered[j].VMID
	})

	steps := make(domain.MigrationSteps, 0, len(ordered)+2)
	steps = append(steps, domain.MigrationStep{Type: domain.StepTypeConfig, Name: stepNameConfig, Status: domain.StepStatusPending})
	for _, g := range ordered {
		steps = append(steps, guestStep(g.VMID, g.Type, g.Name))
	}
	return append(steps, domain.MigrationStep{Type: domain.StepTypeFinalize, Name: stepNameFinalize, Status: domain.StepStatusPending})
}

// PlanGuest builds the single-step plan of a guest migration.
func PlanGuest(vmid int, t domain.GuestType, name string) domain.MigrationSteps {
	return domain.MigrationSteps{guestStep(vmid, t, name)}
}

func guestStep(vmid int, t domain.GuestType, name string) domain.MigrationStep {
	id := vmid
	return domain.MigrationStep{
		Type:   t.StepType(),
		Name:   guestStepName(vmid, t, name),
		VMID:   &id,
		VMType: t,
		Status: domain.StepStatusPending,
	}
}

func guestStepName(vmid int, t domain.GuestType, name string) string {
	if name == "" {
		return fmt.Sprintf("Migrate %s %d", guestLabel(t), vmid)
	}
	return fmt.Sprintf("Migrate %s %d (%s)", guestLabel(t), vmid, name)
}
