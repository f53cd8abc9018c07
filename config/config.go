// Package config 读取网关运行配置 (环境变量)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config 网关配置，全部来自环境变量
type Config struct {
	DataDir      string `env:"DATA_DIR" envDefault:"data"`
	SettingsFile string `env:"SETTINGS_FILE"` // 默认 <DATA_DIR>/settings.json
	CacheFile    string `env:"CACHE_FILE"`    // 默认 <DATA_DIR>/cache.json
	DatabaseFile string `env:"DATABASE_FILE"` // 默认 <DATA_DIR>/gateway.db

	Port     int    `env:"PORT" envDefault:"8000"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`
	// LogMaxSizeMB 单个日志文件上限，超过后轮转到 .old
	LogMaxSizeMB int `env:"LOG_MAX_SIZE_MB" envDefault:"50"`

	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"24h"`

	// EncryptionKey AES key (16/24/32 bytes)，为空时替换的凭据明文落库
	EncryptionKey string `env:"GATEWAY_ENCRYPTION_KEY"`
	// AdminBootstrapKey 首次启动时的管理员密钥，为空则随机生成
	AdminBootstrapKey string `env:"ADMIN_BOOTSTRAP_KEY"`

	// GeoIPDatabase 本地 MaxMind mmdb 文件，为空时不注册 geoip-local
	GeoIPDatabase string `env:"GEOIP_DATABASE"`

	IPInfoBaseURL        string `env:"IPINFO_BASE_URL" envDefault:"https://ipinfo.io"`
	IPGeolocationBaseURL string `env:"IPGEOLOCATION_BASE_URL" envDefault:"https://api.ipgeolocation.io"`
	IPAPIBaseURL         string `env:"IPAPI_BASE_URL" envDefault:"http://ip-api.com"`
	AbuseIPDBBaseURL     string `env:"ABUSEIPDB_BASE_URL" envDefault:"https://api.abuseipdb.com"`
	WhoisXMLBaseURL      string `env:"WHOISXML_BASE_URL" envDefault:"https://www.whoisxmlapi.com"`
	RDAPBaseURL          string `env:"RDAP_BASE_URL" envDefault:"https://rdap.org"`

	// LookupRatePerSecond HTTP 入口的单 IP 限流
	LookupRatePerSecond float64 `env:"LOOKUP_RATE_PER_SECOND" envDefault:"10"`
	LookupBurst         int     `env:"LOOKUP_BURST" envDefault:"20"`

	// Environment 启动时的环境变量快照，凭据变量从这里读取
	Environment map[string]string
}

// Load 从进程环境读取配置
func Load() (Config, error) {
	return LoadFrom(env.ToMap(os.Environ()))
}

// LoadFrom 从给定的环境快照读取配置 (测试用)
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Environment = environ
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SettingsFile == "" {
		c.SettingsFile = filepath.Join(c.DataDir, "settings.json")
	}
	if c.CacheFile == "" {
		c.CacheFile = filepath.Join(c.DataDir, "cache.json")
	}
	if c.DatabaseFile == "" {
		c.DatabaseFile = filepath.Join(c.DataDir, "gateway.db")
	}
}

// EnsureDataDir 创建数据目录
func (c Config) EnsureDataDir() error {
	for _, p := range []string{c.SettingsFile, c.CacheFile, c.DatabaseFile} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("failed to create data dir for %s: %w", p, err)
		}
	}
	return nil
}
