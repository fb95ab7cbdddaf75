package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/validator"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment" validate:"required"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port int `mapstructure:"port" validate:"gt=0"`
	} `mapstructure:"server"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
		SQLiteDSN           string `mapstructure:"sqliteDSN"` // used when postgresDSN is empty
	} `mapstructure:"database"`
	NATS struct {
		URL     string            `mapstructure:"url"`
		Events  EventStreamConfig `mapstructure:"events"`
		Control ConsumerConfig    `mapstructure:"control"`
	} `mapstructure:"nats"`
	WhatsApp struct {
		SessionDir string `mapstructure:"sessionDir" validate:"required"`
		OSName     string `mapstructure:"osName"`
	} `mapstructure:"whatsapp"`
	Responder ResponderConfig `mapstructure:"responder"`
	Session   SessionConfig   `mapstructure:"session"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Reminder  struct {
		Spec string `mapstructure:"spec" validate:"required"`
	} `mapstructure:"reminder"`
	Cleanup CleanupConfig `mapstructure:"cleanup"`
}

// EventStreamConfig describes the stream outbound bot events are published to.
type EventStreamConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subjectPrefix"` // e.g. v1.bots
	MaxAge        int64  `mapstructure:"maxAge"`        // days
}

// ConsumerConfig holds configuration specific to a NATS consumer
type ConsumerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxAge       int64         `mapstructure:"maxAge"` // max age of messages in day
	Stream       string        `mapstructure:"stream"`
	Consumer     string        `mapstructure:"consumer"` // durable name
	QueueGroup   string        `mapstructure:"group"`
	SubjectList  []string      `mapstructure:"subjectList"`
	MaxDeliver   int           `mapstructure:"maxDeliver"`
	NakBaseDelay time.Duration `mapstructure:"nakBaseDelay"`
	NakMaxDelay  time.Duration `mapstructure:"nakMaxDelay"`
}

// ResponderConfig configures the OpenAI compatible responder.
type ResponderConfig struct {
	APIKey       string        `mapstructure:"apiKey"`
	BaseURL      string        `mapstructure:"baseURL"`
	DefaultModel string        `mapstructure:"defaultModel"`
	VisionModel  string        `mapstructure:"visionModel"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SessionConfig drives the SessionManager and each Connection.
type SessionConfig struct {
	RestoreBatchSize int           `mapstructure:"restoreBatchSize" validate:"gte=1"`
	RestorePause     time.Duration `mapstructure:"restorePause"`
	ReconnectDelay   time.Duration `mapstructure:"reconnectDelay" validate:"gt=0"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdownTimeout"`
}

// PipelineConfig drives the inbound gate.
type PipelineConfig struct {
	DedupTTL       time.Duration `mapstructure:"dedupTTL" validate:"gt=0"`
	DedupSweep     time.Duration `mapstructure:"dedupSweep" validate:"gt=0"`
	ConfigCacheTTL time.Duration `mapstructure:"configCacheTTL"`
	SelfResolution string        `mapstructure:"selfResolution" validate:"oneof=heuristic off"`
	WorkerPool     struct {
		PoolSize   int           `mapstructure:"poolSize" validate:"gte=1"`
		ExpiryTime time.Duration `mapstructure:"expiryTime"`
	} `mapstructure:"workerPool"`
}

// BroadcastConfig drives campaign retries and pacing.
type BroadcastConfig struct {
	MaxAttempts    int           `mapstructure:"maxAttempts" validate:"gte=1"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
	ReconnectWait  time.Duration `mapstructure:"reconnectWait"`
	MinPause       time.Duration `mapstructure:"minPause"`
	MaxPause       time.Duration `mapstructure:"maxPause" validate:"gtefield=MinPause"`
}

// CleanupConfig drives the retention job.
type CleanupConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Spec           string `mapstructure:"spec"`
	VIPMediaDays   int    `mapstructure:"vipMediaDays"`
	LeadMediaDays  int    `mapstructure:"leadMediaDays"`
	NonVIPTextDays int    `mapstructure:"nonVipTextDays"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("default")
	v.SetConfigType("yaml")

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.daisi-wa-bot-fleet")
	v.AddConfigPath("/etc/daisi-wa-bot-fleet")

	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if dsn := os.Getenv("SQLITE_DSN"); dsn != "" {
		v.Set("database.sqliteDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		v.Set("responder.apiKey", key)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := validator.Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("nats.events.enabled", true)
	v.SetDefault("nats.events.stream", "bot_events")
	v.SetDefault("nats.events.subjectPrefix", "v1.bots")
	v.SetDefault("nats.events.maxAge", 7)
	v.SetDefault("nats.control.enabled", true)
	v.SetDefault("nats.control.stream", "bot_control")
	v.SetDefault("nats.control.consumer", "bot-fleet-control")
	v.SetDefault("nats.control.group", "bot-fleet")
	v.SetDefault("nats.control.subjectList", []string{"v1.control.>"})
	v.SetDefault("nats.control.maxAge", 1)
	v.SetDefault("nats.control.maxDeliver", 5)
	v.SetDefault("nats.control.nakBaseDelay", time.Second)
	v.SetDefault("nats.control.nakMaxDelay", 30*time.Second)

	v.SetDefault("whatsapp.sessionDir", "./sessions")
	v.SetDefault("whatsapp.osName", "Daisi Bot")

	v.SetDefault("responder.defaultModel", "gpt-3.5-turbo")
	v.SetDefault("responder.visionModel", "gpt-4o")
	v.SetDefault("responder.timeout", 60*time.Second)

	v.SetDefault("session.restoreBatchSize", 5)
	v.SetDefault("session.restorePause", 2*time.Second)
	v.SetDefault("session.reconnectDelay", 2*time.Second)
	v.SetDefault("session.shutdownTimeout", 30*time.Second)

	v.SetDefault("pipeline.dedupTTL", time.Hour)
	v.SetDefault("pipeline.dedupSweep", 5*time.Minute)
	v.SetDefault("pipeline.configCacheTTL", 5*time.Minute)
	v.SetDefault("pipeline.selfResolution", "heuristic")
	v.SetDefault("pipeline.workerPool.poolSize", 64)
	v.SetDefault("pipeline.workerPool.expiryTime", time.Minute)

	v.SetDefault("broadcast.maxAttempts", 3)
	v.SetDefault("broadcast.initialBackoff", 2*time.Second)
	v.SetDefault("broadcast.maxBackoff", 10*time.Second)
	v.SetDefault("broadcast.reconnectWait", 30*time.Second)
	v.SetDefault("broadcast.minPause", 15*time.Second)
	v.SetDefault("broadcast.maxPause", 90*time.Second)

	v.SetDefault("reminder.spec", "@every 1m")

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.spec", "0 3 * * *")
	v.SetDefault("cleanup.vipMediaDays", 180)
	v.SetDefault("cleanup.leadMediaDays", 30)
	v.SetDefault("cleanup.nonVipTextDays", 90)
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string{}, parts...), tag)
		key := strings.Join(path, ".")

		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		_ = v.BindEnv(key)
	}
}
