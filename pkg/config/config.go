package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shora-sharif/relay-bot/internal/models"
)

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	Roles    RolesConfig    `mapstructure:"roles"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	AdminUserID int64  `mapstructure:"admin_user_id"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

// RolesConfig binds each of the five roles to the responsible user's
// Telegram id. Every binding is required.
type RolesConfig struct {
	Legal       int64 `mapstructure:"legal"`
	Educational int64 `mapstructure:"educational"`
	Welfare     int64 `mapstructure:"welfare"`
	Cultural    int64 `mapstructure:"cultural"`
	Sports      int64 `mapstructure:"sports"`
}

type EngineConfig struct {
	MaxSendAttempts int           `mapstructure:"max_send_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	ThreadTTL       time.Duration `mapstructure:"thread_ttl"`
	RateWindow      time.Duration `mapstructure:"rate_window"`
	RateMaxMessages int           `mapstructure:"rate_max_messages"`
}

// Bindings returns the role map consumed by the role directory.
func (r RolesConfig) Bindings() map[models.Role]int64 {
	return map[models.Role]int64{
		models.RoleLegal:       r.Legal,
		models.RoleEducational: r.Educational,
		models.RoleWelfare:     r.Welfare,
		models.RoleCultural:    r.Cultural,
		models.RoleSports:      r.Sports,
	}
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("engine.max_send_attempts", 3)
	v.SetDefault("engine.retry_backoff", "2s")
	v.SetDefault("engine.thread_ttl", "720h")
	v.SetDefault("engine.rate_window", "10m")
	v.SetDefault("engine.rate_max_messages", 5)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if adminID := v.GetInt64("ADMIN_USER_ID"); adminID != 0 {
		config.Telegram.AdminUserID = adminID
	}

	// Role bindings may come from the environment, one variable per role
	if id := v.GetInt64("ROLE_LEGAL_USER_ID"); id != 0 {
		config.Roles.Legal = id
	}
	if id := v.GetInt64("ROLE_EDUCATIONAL_USER_ID"); id != 0 {
		config.Roles.Educational = id
	}
	if id := v.GetInt64("ROLE_WELFARE_USER_ID"); id != 0 {
		config.Roles.Welfare = id
	}
	if id := v.GetInt64("ROLE_CULTURAL_USER_ID"); id != 0 {
		config.Roles.Cultural = id
	}
	if id := v.GetInt64("ROLE_SPORTS_USER_ID"); id != 0 {
		config.Roles.Sports = id
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// validate rejects configurations the process must not start with: a
// missing bot token or any role without a usable binding.
func (c *Config) validate() error {
	var missing []string

	if c.Telegram.Token == "" {
		missing = append(missing, "telegram.token")
	}
	bindings := c.Roles.Bindings()
	for _, role := range models.AllRoles {
		if bindings[role] <= 0 {
			missing = append(missing, fmt.Sprintf("roles.%s", role))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
