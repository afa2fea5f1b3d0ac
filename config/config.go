package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type TelegramConfig struct {
	Token         string
	WebhookSecret string
	// WebhookURL is registered with Telegram on start in webhook mode when set.
	WebhookURL    string
	ManagerChatID int64
	Mode          string
	Debug         bool
}

type DBConfig struct {
	Driver       string
	URL          string
	Host         string
	Port         string
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
	QueryTimeout time.Duration
	SQLitePath   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type QuizConfig struct {
	AllowRestart  bool
	QuestionDelay time.Duration
	ResultDelay   time.Duration
}

type PromoConfig struct {
	Prefix      string
	Length      int
	Discount    int
	MaxAttempts int
}

type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Environment string
}

type Config struct {
	Telegram TelegramConfig
	DB       DBConfig
	Redis    RedisConfig
	Server   struct {
		Port string
	}
	Admin struct {
		Token string
	}
	Quiz            QuizConfig
	Promo           PromoConfig
	Tracing         TracingConfig
	ShutdownTimeout time.Duration
}

// envAliases maps config keys to the environment variables that may set them,
// on top of the automatic KEY_PATH form.
var envAliases = map[string][]string{
	"telegram.token":         {"TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN"},
	"telegram.webhooksecret": {"TELEGRAM_WEBHOOK_SECRET"},
	"telegram.webhookurl":    {"TELEGRAM_WEBHOOK_URL"},
	"telegram.managerchatid": {"MANAGER_CHAT_ID"},
	"telegram.mode":          {"TELEGRAM_MODE"},
	"db.url":                 {"DATABASE_URL"},
	"db.sslmode":             {"DB_SSL_MODE"},
	"db.dbname":              {"DB_NAME"},
	"db.sqlitepath":          {"SQLITE_PATH"},
	"admin.token":            {"ADMIN_TOKEN"},
	"quiz.allowrestart":      {"QUIZ_ALLOW_RESTART"},
	"quiz.questiondelay":     {"QUESTION_DELAY"},
	"quiz.resultdelay":       {"RESULT_DELAY"},
	"tracing.enabled":        {"OTEL_ENABLED"},
}

// Load loads the configuration
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")
	v.AddConfigPath("$HOME/.fils-quiz-bot")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envAliases {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("error binding env for %s: %w", key, err)
		}
	}

	// A missing config file is fine: defaults and environment still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Process any ${ENV_VAR} syntax in the config values
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
			envVar := strings.TrimPrefix(strings.TrimSuffix(value, "}"), "${")
			if envValue := os.Getenv(envVar); envValue != "" {
				v.Set(key, envValue)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ShutdownTimeout", 10*time.Second)

	v.SetDefault("Telegram.Token", "")
	v.SetDefault("Telegram.WebhookSecret", "")
	v.SetDefault("Telegram.WebhookURL", "")
	v.SetDefault("Telegram.ManagerChatID", 0)
	v.SetDefault("Telegram.Mode", ModePolling)
	v.SetDefault("Telegram.Debug", false)

	v.SetDefault("DB.Driver", DriverPostgres)
	v.SetDefault("DB.URL", "")
	v.SetDefault("DB.Host", "localhost")
	v.SetDefault("DB.Port", "5432")
	v.SetDefault("DB.User", "postgres")
	v.SetDefault("DB.Password", "postgres")
	v.SetDefault("DB.DBName", "fils_quiz")
	v.SetDefault("DB.SSLMode", "disable")
	v.SetDefault("DB.MaxOpenConns", 20)
	v.SetDefault("DB.MaxIdleConns", 2)
	v.SetDefault("DB.ConnLifetime", 5*time.Minute)
	v.SetDefault("DB.QueryTimeout", 5*time.Second)
	v.SetDefault("DB.SQLitePath", "./fils_quiz.db")

	v.SetDefault("Redis.Addr", "")
	v.SetDefault("Redis.Password", "")
	v.SetDefault("Redis.DB", 0)
	v.SetDefault("Redis.TTL", 24*time.Hour)

	v.SetDefault("Server.Port", "8080")
	v.SetDefault("Admin.Token", "")

	v.SetDefault("Quiz.AllowRestart", true)
	v.SetDefault("Quiz.QuestionDelay", time.Duration(0))
	v.SetDefault("Quiz.ResultDelay", 200*time.Millisecond)

	v.SetDefault("Promo.Prefix", "FILS")
	v.SetDefault("Promo.Length", 6)
	v.SetDefault("Promo.Discount", 5000)
	v.SetDefault("Promo.MaxAttempts", 5)

	v.SetDefault("Tracing.Enabled", false)
	v.SetDefault("Tracing.ServiceName", "fils-quiz-bot")
	v.SetDefault("Tracing.Environment", "development")
}

// Validate checks the values the process cannot start without.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram token is not configured")
	}
	switch c.Telegram.Mode {
	case ModePolling, ModeWebhook:
	default:
		return fmt.Errorf("unknown telegram mode %q", c.Telegram.Mode)
	}
	switch c.DB.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.DB.Driver)
	}
	if c.Promo.Length <= 0 {
		return errors.New("promo code length must be positive")
	}
	if c.Promo.MaxAttempts <= 0 {
		return errors.New("promo max attempts must be positive")
	}
	return nil
}
