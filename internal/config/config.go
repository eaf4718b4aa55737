package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"defectmaster/pkg/domain"
)

// ConfigPath is the default config location relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	TelegramToken string `yaml:"telegramToken"`
	DatabaseURL   string `yaml:"databaseURL"`
	LogLevel      string `yaml:"logLevel"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	GeminiAPIKey        string `yaml:"geminiAPIKey"`
	GeminiFastModel     string `yaml:"geminiFastModel"`
	GeminiAnalysisModel string `yaml:"geminiAnalysisModel"`
	// MaxConcurrentAnalyses caps in-flight Gemini calls process-wide.
	MaxConcurrentAnalyses int `yaml:"maxConcurrentAnalyses"`
	// AnalysisPerMinute is the fixed-window quota for the analysis model.
	AnalysisPerMinute int `yaml:"analysisPerMinute"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	// MinioPublicBaseURL, when set, is prepended to object keys to form photo
	// links; otherwise presigned URLs are issued.
	MinioPublicBaseURL string `yaml:"minioPublicBaseURL"`

	GoogleCredentialsFile string `yaml:"googleCredentialsFile"`
	SheetsFolderID        string `yaml:"sheetsFolderID"`

	TinkoffTerminalKey string `yaml:"tinkoffTerminalKey"`
	TinkoffSecretKey   string `yaml:"tinkoffSecretKey"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	WebhookPort    string  `yaml:"webhookPort"`
	AdminJWTSecret string  `yaml:"adminJWTSecret"`
	AdminIDs       []int64 `yaml:"adminIDs"`

	FreeCredits          int                    `yaml:"freeCredits"`
	ReferralBonusInviter int                    `yaml:"referralBonusInviter"`
	ReferralBonusInvited int                    `yaml:"referralBonusInvited"`
	Packages             []domain.CreditPackage `yaml:"packages"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *FileConfig) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("GEMINI_FAST_MODEL"); v != "" {
		cfg.GeminiFastModel = v
	}
	if v := os.Getenv("GEMINI_ANALYSIS_MODEL"); v != "" {
		cfg.GeminiAnalysisModel = v
	}
	if v := os.Getenv("TINKOFF_TERMINAL_KEY"); v != "" {
		cfg.TinkoffTerminalKey = v
	}
	if v := os.Getenv("TINKOFF_SECRET_KEY"); v != "" {
		cfg.TinkoffSecretKey = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("ADMIN_JWT_SECRET"); v != "" {
		cfg.AdminJWTSecret = v
	}
	if v := os.Getenv("ADMIN_IDS"); v != "" {
		ids := make([]int64, 0, 4)
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if id, err := strconv.ParseInt(part, 10, 64); err == nil {
				ids = append(ids, id)
			}
		}
		cfg.AdminIDs = ids
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.GeminiFastModel == "" {
		cfg.GeminiFastModel = "gemini-2.5-flash"
	}
	if cfg.GeminiAnalysisModel == "" {
		cfg.GeminiAnalysisModel = "gemini-2.5-pro"
	}
	if cfg.MaxConcurrentAnalyses <= 0 {
		cfg.MaxConcurrentAnalyses = 1
	}
	if cfg.AnalysisPerMinute <= 0 {
		cfg.AnalysisPerMinute = 2
	}
	if cfg.MinioBucket == "" {
		cfg.MinioBucket = "defect-photos"
	}
	if cfg.WebhookPort == "" {
		cfg.WebhookPort = "8088"
	}
	if cfg.FreeCredits <= 0 {
		cfg.FreeCredits = 5
	}
	if cfg.ReferralBonusInviter <= 0 {
		cfg.ReferralBonusInviter = 5
	}
	if cfg.ReferralBonusInvited <= 0 {
		cfg.ReferralBonusInvited = 5
	}
	if len(cfg.Packages) == 0 {
		cfg.Packages = []domain.CreditPackage{
			{Key: "small", Credits: 20, Price: 200, Title: "20 фото"},
			{Key: "medium", Credits: 50, Price: 500, Title: "50 фото"},
			{Key: "large", Credits: 100, Price: 1000, Title: "100 фото"},
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.TelegramToken == "" {
		return errors.New("config: telegramToken is required (set in config.yaml or TELEGRAM_BOT_TOKEN)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
	}
	for _, p := range cfg.Packages {
		if p.Key == "" || p.Credits <= 0 || p.Price <= 0 {
			return fmt.Errorf("config: invalid package %q", p.Key)
		}
	}
	return nil
}
