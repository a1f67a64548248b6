package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location read by Load when no path is given.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string   `yaml:"port"`
	LogLevel          string   `yaml:"logLevel"`
	DatabaseURL       string   `yaml:"databaseURL"`
	RedisAddr         string   `yaml:"redisAddr"`
	RedisPassword     string   `yaml:"redisPassword"`
	QuotaKeyPrefix    string   `yaml:"quotaKeyPrefix"`
	MemberQuota       int      `yaml:"memberQuota"`
	GuestQuota        int      `yaml:"guestQuota"`
	QuotaWindowHours  int      `yaml:"quotaWindowHours"`
	MinioEndpoint     string   `yaml:"minioEndpoint"`
	MinioAccessKey    string   `yaml:"minioAccessKey"`
	MinioSecretKey    string   `yaml:"minioSecretKey"`
	MinioBucket       string   `yaml:"minioBucket"`
	MinioUseSSL       bool     `yaml:"minioUseSSL"`
	GeminiAPIKey      string   `yaml:"geminiApiKey"`
	GenerationModel   string   `yaml:"generationModel"`
	MaxUploadMB       int      `yaml:"maxUploadMB"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCIDRs"`
	AuthJWKSURL       string   `yaml:"authJwksUrl"`
	AuthIssuer        string   `yaml:"authIssuer"`
	AuthAudience      string   `yaml:"authAudience"`
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
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("SNAPCAPTION_MEMBER_QUOTA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MemberQuota = n
		}
	}
	if v := os.Getenv("SNAPCAPTION_GUEST_QUOTA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GuestQuota = n
		}
	}
	if v := os.Getenv("SNAPCAPTION_QUOTA_WINDOW_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QuotaWindowHours = n
		}
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if useSSL, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = useSSL
		}
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("SNAPCAPTION_GENERATION_MODEL"); v != "" {
		cfg.GenerationModel = v
	}
	if v := os.Getenv("SNAPCAPTION_MAX_UPLOAD_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxUploadMB = n
		}
	}
	if v := os.Getenv("SNAPCAPTION_TRUSTED_PROXY_CIDRS"); v != "" {
		cidrs := strings.Split(v, ",")
		cfg.TrustedProxyCIDRs = cfg.TrustedProxyCIDRs[:0]
		for _, c := range cidrs {
			if c = strings.TrimSpace(c); c != "" {
				cfg.TrustedProxyCIDRs = append(cfg.TrustedProxyCIDRs, c)
			}
		}
	}
	if v := os.Getenv("SNAPCAPTION_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("SNAPCAPTION_AUTH_ISSUER"); v != "" {
		cfg.AuthIssuer = v
	}
	if v := os.Getenv("SNAPCAPTION_AUTH_AUDIENCE"); v != "" {
		cfg.AuthAudience = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.MemberQuota <= 0 {
		return errors.New("config: memberQuota must be > 0 (set in config.yaml or SNAPCAPTION_MEMBER_QUOTA)")
	}
	if cfg.GuestQuota <= 0 {
		return errors.New("config: guestQuota must be > 0 (set in config.yaml or SNAPCAPTION_GUEST_QUOTA)")
	}
	if cfg.GuestQuota > cfg.MemberQuota {
		return errors.New("config: guestQuota must not exceed memberQuota")
	}
	if cfg.QuotaWindowHours <= 0 {
		return errors.New("config: quotaWindowHours must be > 0")
	}
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml or MINIO_ENDPOINT)")
	}
	if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
		return errors.New("config: minio credentials are required (MINIO_ACCESS_KEY + MINIO_SECRET_KEY)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml or MINIO_BUCKET)")
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("config: geminiApiKey is required (set in config.yaml or GEMINI_API_KEY)")
	}
	if strings.TrimSpace(cfg.GenerationModel) == "" {
		return errors.New("config: generationModel is required (set in config.yaml or SNAPCAPTION_GENERATION_MODEL)")
	}
	if cfg.MaxUploadMB < 0 {
		return errors.New("config: maxUploadMB must be >= 0")
	}
	return nil
}
