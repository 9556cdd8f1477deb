package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации hub и gateway.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает HTTP-сервер hub (API для людей).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // 0 для SSE
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
}

// Addr собирает адрес для http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GatewayConfig — настройки MCP-шлюза.
type GatewayConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"` // До заголовков ответа
	RefreshTimeout  time.Duration `mapstructure:"refresh_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`

	// Лимит запросов на одного агента
	RatePerAgent float64 `mapstructure:"rate_per_agent"`
	RateBurst    int     `mapstructure:"rate_burst"`

	// Circuit Breaker на каждый удалённый сервер
	CBMaxRequests      uint32        `mapstructure:"cb_max_requests"`
	CBInterval         time.Duration `mapstructure:"cb_interval"`
	CBTimeout          time.Duration `mapstructure:"cb_timeout"`
	CBFailureThreshold uint32        `mapstructure:"cb_failure_threshold"`

	// Очередь асинхронных побочных эффектов (пометка auth_required после 401)
	SideEffectQueue int `mapstructure:"side_effect_queue"`

	// Сколько живёт положительный результат проверки proxy-токена
	TokenCacheTTL time.Duration `mapstructure:"token_cache_ttl"`
}

func (c GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub между инстансами hub).
// Пустой Addr отключает relay.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RuntimeConfig — параметры контейнеров агентов.
type RuntimeConfig struct {
	Image         string        `mapstructure:"image"`
	ContainerPort string        `mapstructure:"container_port"`
	Host          string        `mapstructure:"host"`      // Куда биндим порт контейнера
	ProxyURL      string        `mapstructure:"proxy_url"` // Адрес шлюза, видимый из контейнера
	Network       string        `mapstructure:"network"`
	StartTimeout  time.Duration `mapstructure:"start_timeout"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
}

// AuthConfig — необязательная RS256-проверка для API hub.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// EngineConfig — параметры аудита.
type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.heartbeat", 15*time.Second)

	v.SetDefault("gateway.port", 8090)
	v.SetDefault("gateway.metrics_addr", ":9091")
	v.SetDefault("gateway.upstream_timeout", 30*time.Second)
	v.SetDefault("gateway.refresh_timeout", 10*time.Second)
	v.SetDefault("gateway.max_body_bytes", 10<<20)
	v.SetDefault("gateway.rate_per_agent", 50)
	v.SetDefault("gateway.rate_burst", 20)
	v.SetDefault("gateway.cb_max_requests", 3)
	v.SetDefault("gateway.cb_interval", 5*time.Second)
	v.SetDefault("gateway.cb_timeout", 30*time.Second)
	v.SetDefault("gateway.cb_failure_threshold", 5)
	v.SetDefault("gateway.side_effect_queue", 256)
	v.SetDefault("gateway.token_cache_ttl", 30*time.Second)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("runtime.image", "agent-runtime:latest")
	v.SetDefault("runtime.container_port", "8000")
	v.SetDefault("runtime.host", "127.0.0.1")
	v.SetDefault("runtime.proxy_url", "http://host.docker.internal:8090")
	v.SetDefault("runtime.start_timeout", 60*time.Second)
	v.SetDefault("runtime.stop_timeout", 10*time.Second)
	v.SetDefault("runtime.call_timeout", 30*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("engine.audit_buffer_size", 1000)
	v.SetDefault("engine.audit_batch_size", 100)
	v.SetDefault("engine.audit_flush_interval", 1*time.Second)
}

// loadKeyResource: PEM прямо из ENV (Docker/K8s) или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
