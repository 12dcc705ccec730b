package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Logger        LoggerConfig        `mapstructure:"logger"`
	Security      SecurityConfig      `mapstructure:"security"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Agents        AgentsConfig        `mapstructure:"agents"`
	Artifacts     ArtifactsConfig     `mapstructure:"artifacts"`
	Features      FeaturesConfig      `mapstructure:"features"`
}

type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
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

type FeaturesConfig struct {
	RequestIDHeader      string `mapstructure:"request_id_header"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
	// EmbeddedWorker runs the dispatch consumer inside the serve process.
	EmbeddedWorker bool `mapstructure:"embedded_worker"`
}

type AuthConfig struct {
	JWTSecret      string   `mapstructure:"jwt_secret"`
	AgentToken     string   `mapstructure:"agent_token"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type QueueConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxReceives       int           `mapstructure:"max_receives"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
}

type NotificationsConfig struct {
	ConnectionTTL     time.Duration `mapstructure:"connection_ttl"`
	FanoutConcurrency int           `mapstructure:"fanout_concurrency"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	PurgeInterval     time.Duration `mapstructure:"purge_interval"`
}

type AgentsConfig struct {
	Concurrency    int                      `mapstructure:"concurrency"`
	ApprovalAgents []string                 `mapstructure:"approval_agents"`
	Timeouts       map[string]time.Duration `mapstructure:"timeouts"`
}

// TimeoutFor returns the configured execution budget for an agent, or def.
func (a AgentsConfig) TimeoutFor(agent string, def time.Duration) time.Duration {
	if d, ok := a.Timeouts[agent]; ok && d > 0 {
		return d
	}
	return def
}

func (a AgentsConfig) RequiresApproval(agent string) bool {
	for _, name := range a.ApprovalAgents {
		if name == agent {
			return true
		}
	}
	return false
}

type ArtifactsConfig struct {
	Backend string     `mapstructure:"backend"`
	BaseDir string     `mapstructure:"base_dir"`
	SFTP    SFTPConfig `mapstructure:"sftp"`
}

type SFTPConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	PrivateKey string        `mapstructure:"private_key"`
	BaseDir    string        `mapstructure:"base_dir"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "forgeflow")
	v.SetDefault("database.name", "forgeflow")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})

	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.visibility_timeout", 20*time.Minute)
	v.SetDefault("queue.max_receives", 3)
	v.SetDefault("queue.retry_delay", 10*time.Second)

	v.SetDefault("notifications.connection_ttl", 2*time.Hour)
	v.SetDefault("notifications.fanout_concurrency", 8)
	v.SetDefault("notifications.write_timeout", 5*time.Second)
	v.SetDefault("notifications.purge_interval", 10*time.Minute)

	v.SetDefault("agents.concurrency", 2)
	v.SetDefault("agents.approval_agents", []string{"requirements-analysis"})

	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.base_dir", "./data/artifacts")
	v.SetDefault("artifacts.sftp.port", 22)
	v.SetDefault("artifacts.sftp.timeout", 30*time.Second)

	// env overrides only reach Unmarshal for keys viper already knows about
	v.SetDefault("database.password", "")
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.agent_token", "")
	v.SetDefault("auth.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("artifacts.sftp.host", "")
	v.SetDefault("artifacts.sftp.user", "")
	v.SetDefault("artifacts.sftp.password", "")
	v.SetDefault("artifacts.sftp.private_key", "")
	v.SetDefault("artifacts.sftp.base_dir", "/srv/forgeflow/artifacts")

	v.SetDefault("features.request_id_header", "X-Request-ID")
	v.SetDefault("features.enable_request_logging", false)
	v.SetDefault("features.embedded_worker", true)
}

// Load reads the config file at path (optional) and applies FORGEFLOW_*
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FORGEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Artifacts.Backend {
	case "local", "sftp":
	default:
		return fmt.Errorf("artifacts.backend must be one of: local, sftp")
	}
	if c.Artifacts.Backend == "sftp" && c.Artifacts.SFTP.Host == "" {
		return fmt.Errorf("artifacts.sftp.host is required for the sftp backend")
	}
	if c.Queue.MaxReceives < 1 {
		return fmt.Errorf("queue.max_receives must be at least 1")
	}
	if c.Agents.Concurrency < 1 {
		return fmt.Errorf("agents.concurrency must be at least 1")
	}
	return nil
}
