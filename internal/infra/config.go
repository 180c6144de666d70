package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации платежного шлюза.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Keystore KeystoreConfig `mapstructure:"keystore"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig описывает хранилище: postgres или memory (локальный запуск).
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	URL        string `mapstructure:"url"`
	MaxConns   int32  `mapstructure:"max_conns"`
	MinConns   int32  `mapstructure:"min_conns"`
	TxAttempts uint   `mapstructure:"tx_attempts"` // повторы при serialization failure
}

// RedisConfig описывает подключение к Redis (блокировки кошельков и Pub/Sub).
// Пустой addr — работа без Redis в одном инстансе.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig — публичный ключ внешнего провайдера сессий (RS256).
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// EngineConfig — поведение платежного конвейера.
type EngineConfig struct {
	FetchAttempts     uint          `mapstructure:"fetch_attempts"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	SubmitTimeout     time.Duration `mapstructure:"submit_timeout"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	SettlementTimeout time.Duration `mapstructure:"settlement_timeout"`
	PendingTTL        time.Duration `mapstructure:"pending_ttl"`
	WalletLockTTL     time.Duration `mapstructure:"wallet_lock_ttl"`
	Schemes           []string      `mapstructure:"schemes"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Circuit Breaker для ресурс-серверов
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`

	// Исходящий rate limit
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// ChainConfig — сеть, в которой живут горячие кошельки.
type ChainConfig struct {
	Network          string        `mapstructure:"network"`
	ChainID          int64         `mapstructure:"chain_id"`
	RPCURL           string        `mapstructure:"rpc_url"` // пусто — verify и withdraw отключены
	AssetAddress     string        `mapstructure:"asset_address"`
	Decimals         int32         `mapstructure:"decimals"`
	TokenName        string        `mapstructure:"token_name"`
	TokenVersion     string        `mapstructure:"token_version"`
	MinConfirmations uint64        `mapstructure:"min_confirmations"`
	RPCTimeout       time.Duration `mapstructure:"rpc_timeout"`
}

// KeystoreConfig — мастер-ключ шифрования горячих ключей (hex, 32 байта).
type KeystoreConfig struct {
	MasterKey string `mapstructure:"master_key"`
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

	// DATABASE_URL=... перекроет database.url
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Ключи: сначала содержимое из ENV (Docker/K8s), затем файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	if data := os.Getenv("KEYSTORE_MASTER_KEY_DATA"); data != "" {
		cfg.Keystore.MasterKey = strings.TrimSpace(data)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	if c.Keystore.MasterKey == "" {
		return errors.New("config: keystore.master_key is required")
	}
	if c.Chain.Network == "" {
		return errors.New("config: chain.network is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.tx_attempts", 5)

	v.SetDefault("engine.fetch_attempts", 3)
	v.SetDefault("engine.fetch_timeout", 10*time.Second)
	v.SetDefault("engine.submit_timeout", 30*time.Second)
	v.SetDefault("engine.retry_delay", 200*time.Millisecond)
	v.SetDefault("engine.settlement_timeout", 60*time.Second)
	v.SetDefault("engine.pending_ttl", 15*time.Minute)
	v.SetDefault("engine.wallet_lock_ttl", 2*time.Minute)
	v.SetDefault("engine.schemes", []string{"exact"})
	v.SetDefault("engine.audit_buffer_size", 1000)
	v.SetDefault("engine.audit_flush_interval", 1*time.Second)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.rate_limit", 50.0)
	v.SetDefault("engine.rate_burst", 20)

	v.SetDefault("chain.network", "base-sepolia")
	v.SetDefault("chain.chain_id", 84532)
	v.SetDefault("chain.decimals", 6)
	v.SetDefault("chain.token_name", "USDC")
	v.SetDefault("chain.token_version", "2")
	v.SetDefault("chain.min_confirmations", 2)
	v.SetDefault("chain.rpc_timeout", 10*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — содержимое ключа из ENV либо из файла по пути.
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
