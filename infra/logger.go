package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger 初始化 zerolog，production 輸出 JSON，其餘輸出 console 格式
func InitLogger() {
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if getEnvironment() != "production" {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	log.Logger = NewLogger(out)
	setLogLevel(os.Getenv("LOG_LEVEL"))
}

// NewLogger 建立帶有服務資訊的 logger
func NewLogger(out io.Writer) zerolog.Logger {
	version := AppConfig.App.AppVersion
	if version == "" {
		version = "dev"
	}
	return zerolog.New(out).
		With().
		Timestamp().
		Str("service", ServiceName).
		Str("version", version).
		Str("environment", getEnvironment()).
		Str("hostname", getHostname()).
		Logger()
}

func getEnvironment() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "development"
	}
	return env
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

func setLogLevel(levelStr string) {
	if levelStr == "" {
		levelStr = "info"
	}

	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)
}

// GetLogger 獲取特定模組的 logger
func GetLogger(module string) zerolog.Logger {
	return log.With().Str("module", module).Logger()
}
