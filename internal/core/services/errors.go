package services

import "errors"

// Host errors
var (
	ErrHostNotFound      = errors.New("host: not found")
	ErrHostAlreadyExists = errors.New("host: address already registered")
	ErrHostInvalidInput  = errors.New("host: invalid input")
	ErrHostNoAPIToken    = errors.New("host: no API token configured")
)

// Migration errors
var (
	ErrTaskNotFound          = errors.New("migration: task not found")
	ErrMigrationInvalidInput = errors.New("migration: invalid input")
	ErrMigrationSameHost     = errors.New("migration: source and target must be different hosts")
)

// Schedule errors
var (
	ErrScheduleNotFound     = errors.New("schedule: not found")
	ErrScheduleInvalidInput = errors.New("schedule: invalid input")
	ErrScheduleInvalidCron  = errors.New("schedule: invalid cron expression")
)

// Encryption errors
var (
	ErrEncryptionFailed = errors.New("encryption: failed to encrypt data")
	ErrDecryptionFailed = errors.New("encryption: failed to decrypt data")
)
