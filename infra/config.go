package infra

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		Name       string `yaml:"name"`
		AppVersion string `yaml:"app_version"`
		BaseURL    string `yaml:"base_url"`
	} `yaml:"app"`
	Server struct {
		Port            int      `yaml:"port"`
		AllowedOrigins  []string `yaml:"allowed_origins"`
		ShutdownTimeout int      `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`
	MongoDB struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongodb"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	RabbitMQ struct {
		URL string `yaml:"url"`
	} `yaml:"rabbitmq"`
	JWT struct {
		SecretKey          string `yaml:"secret_key"`
		ExpiresHours       int    `yaml:"expires_hours"`
		RefreshExpiresDays int    `yaml:"refresh_expires_days"`
	} `yaml:"jwt"`
	Push struct {
		Workers   int `yaml:"workers"`
		QueueSize int `yaml:"queue_size"`
		Expo      struct {
			AccessToken string `yaml:"access_token"`
		} `yaml:"expo"`
		FCM struct {
			CredentialsFile string `yaml:"credentials_file"`
		} `yaml:"fcm"`
		SMS struct {
			Enabled    bool   `yaml:"enabled"`
			AccountSID string `yaml:"account_sid"`
			AuthToken  string `yaml:"auth_token"`
			From       string `yaml:"from"`
		} `yaml:"sms"`
	} `yaml:"push"`
	Realtime struct {
		PingIntervalSeconds int   `yaml:"ping_interval_seconds"`
		ReadTimeoutSeconds  int   `yaml:"read_timeout_seconds"`
		SendBuffer          int   `yaml:"send_buffer"`
		ReadLimit           int64 `yaml:"read_limit"`
		AcceptLockSeconds   int   `yaml:"accept_lock_seconds"`
		OfferTTLMinutes     int   `yaml:"offer_ttl_minutes"`
		PresenceTTLSeconds  int   `yaml:"presence_ttl_seconds"`
	} `yaml:"realtime"`
	Otel struct {
		Enabled         bool   `yaml:"enabled"`
		Endpoint        string `yaml:"endpoint"`
		DevelopmentMode bool   `yaml:"development_mode"`
	} `yaml:"otel"`
}

var AppConfig Config

// LoadConfig 讀取 .env 與 config.yml，環境變數優先
func LoadConfig() error {
	return LoadConfigFrom("config.yml", ".env")
}

// LoadConfigFrom 指定設定檔路徑，.env 不存在時略過
func LoadConfigFrom(path, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	var cfg Config
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	AppConfig = cfg
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.MongoDB.URI, "MONGO_URI")
	overrideString(&cfg.MongoDB.Database, "MONGO_DATABASE")
	overrideString(&cfg.Redis.Addr, "REDIS_ADDR")
	overrideString(&cfg.Redis.Password, "REDIS_PASSWORD")
	overrideString(&cfg.RabbitMQ.URL, "RABBITMQ_URL")
	overrideString(&cfg.JWT.SecretKey, "JWT_SECRET")
	overrideString(&cfg.Push.Expo.AccessToken, "EXPO_ACCESS_TOKEN")
	overrideString(&cfg.Push.FCM.CredentialsFile, "FCM_CREDENTIALS_FILE")
	overrideString(&cfg.Push.SMS.AccountSID, "TWILIO_ACCOUNT_SID")
	overrideString(&cfg.Push.SMS.AuthToken, "TWILIO_AUTH_TOKEN")
	overrideString(&cfg.Push.SMS.From, "TWILIO_FROM")
	overrideString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = ServiceName
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.JWT.ExpiresHours == 0 {
		cfg.JWT.ExpiresHours = 24
	}
	if cfg.JWT.RefreshExpiresDays == 0 {
		cfg.JWT.RefreshExpiresDays = 30
	}
	if cfg.Push.Workers == 0 {
		cfg.Push.Workers = 3
	}
	if cfg.Push.QueueSize == 0 {
		cfg.Push.QueueSize = 100
	}
	r := &cfg.Realtime
	if r.PingIntervalSeconds == 0 {
		r.PingIntervalSeconds = 10
	}
	if r.ReadTimeoutSeconds == 0 {
		r.ReadTimeoutSeconds = 60
	}
	if r.SendBuffer == 0 {
		r.SendBuffer = 256
	}
	if r.ReadLimit == 0 {
		r.ReadLimit = 64 * 1024
	}
	if r.AcceptLockSeconds == 0 {
		r.AcceptLockSeconds = 5
	}
	if r.OfferTTLMinutes == 0 {
		r.OfferTTLMinutes = 30
	}
	if r.PresenceTTLSeconds == 0 {
		r.PresenceTTLSeconds = 90
	}
}

// PingInterval websocket ping 週期
func (c Config) PingInterval() time.Duration {
	return time.Duration(c.Realtime.PingIntervalSeconds) * time.Second
}

// ReadTimeout websocket 讀取逾時
func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.Realtime.ReadTimeoutSeconds) * time.Second
}

// AccessTokenTTL 存取 token 有效期
func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.JWT.ExpiresHours) * time.Hour
}

// RefreshTokenTTL 換發 token 有效期
func (c Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.JWT.RefreshExpiresDays) * 24 * time.Hour
}
