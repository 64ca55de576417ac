package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Security  SecurityConfig  `mapstructure:"security"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Migration MigrationConfig `mapstructure:"migration"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Features  FeaturesConfig  `mapstructure:"features"`
}

type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
	UseKeyring    bool   `mapstructure:"use_keyring"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MigrationConfig tunes the migration engine. Zero values fall back to
// the defaults applied in Load.
type MigrationConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	AllocatorAttempts   int           `mapstructure:"allocator_attempts"`
	PreflightTimeout    time.Duration `mapstructure:"preflight_timeout"`
	ClusterQueryTimeout time.Duration `mapstructure:"cluster_query_timeout"`
	SSHTimeout          time.Duration `mapstructure:"ssh_timeout"`
	SSHMaxRetries       int           `mapstructure:"ssh_max_retries"`
	StreamBufferBytes   int           `mapstructure:"stream_buffer_bytes"`
	ReconcileOnStartup  bool          `mapstructure:"reconcile_on_startup"`
}

type BackupConfig struct {
	Dir   string   `mapstructure:"dir"`
	Paths []string `mapstructure:"paths"`
}

type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type FeaturesConfig struct {
	RequestIDHeader      string `mapstructure:"request_id_header"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
	EnableLocks          bool   `mapstructure:"enable_locks"`
}

type AuthConfig struct {
	AdminAPIKey    string   `mapstructure:"admin_api_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.path", "hostshift.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})

	v.SetDefault("security.use_keyring", true)

	v.SetDefault("migration.poll_interval", 2*time.Second)
	v.SetDefault("migration.allocator_attempts", 20)
	v.SetDefault("migration.preflight_timeout", 8*time.Second)
	v.SetDefault("migration.cluster_query_timeout", 10*time.Second)
	v.SetDefault("migration.ssh_timeout", 30*time.Second)
	v.SetDefault("migration.ssh_max_retries", 3)
	v.SetDefault("migration.stream_buffer_bytes", 1<<20)
	v.SetDefault("migration.reconcile_on_startup", true)

	v.SetDefault("backup.dir", "backups")
	v.SetDefault("backup.paths", []string{
		"/etc/network/interfaces",
		"/etc/hosts",
		"/etc/pve/storage.cfg",
	})

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("features.request_id_header", "X-Request-ID")
	v.SetDefault("features.enable_request_logging", true)
	v.SetDefault("features.enable_locks", true)
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("HOSTSHIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
