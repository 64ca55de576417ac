package domain

// Migration timeline event types
const (
	EventTypeMigrationCreated   = "MIGRATION_CREATED"
	EventTypeMigrationStarted   = "MIGRATION_STARTED"
	EventTypeMigrationCompleted = "MIGRATION_COMPLETED"
	EventTypeMigrationFailed    = "MIGRATION_FAILED"
	EventTypeMigrationCancelled = "MIGRATION_CANCELLED"
	EventTypeHostProbe          = "HOST_PROBE"
	EventTypeScheduleFired      = "SCHEDULE_FIRED"
)

const (
	ResourceTypeMigration = "migration"
	ResourceTypeHost      = "host"
	ResourceTypeSchedule  = "schedule"
)
