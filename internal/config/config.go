package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxUploadBytes bounds a single multipart image part.
	MaxUploadBytes int64
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	SessionTTL time.Duration
}

type StorageConfig struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	BucketCanvases string
	BucketMasks    string
	UseSSL         bool
	Region         string
}

type SecurityConfig struct {
	JWTAccessSecret string
	JWTAccessTTL    time.Duration
	SignatureSecret string
	// APIKeyHash is the argon2id encoding of the dispatcher API key.
	APIKeyHash   string
	DispatcherID string
}

type LineageConfig struct {
	Driver   string
	BoltPath string
}

type RetryConfig struct {
	MaxRetries    int
	BackoffFactor time.Duration
	MaxBackoff    time.Duration
	RetryStatuses []int
}

type RemoteConfig struct {
	BaseURL    string
	Cookie     string
	MsToken    string
	ABogus     string
	Timeout    time.Duration
	Retry      RetryConfig
	Completion string
}

type UploadConfig struct {
	Host          string
	Region        string
	Service       string
	ServiceID     string
	APIVersion    string
	FileExtension string
}

type MaintenanceConfig struct {
	CheckInterval          time.Duration
	TokenRefreshInterval   time.Duration
	HeartbeatInterval      time.Duration
	SessionRefreshInterval time.Duration
}

type NATSConfig struct {
	URL     string
	Subject string
}

type AppConfig struct {
	Environment      string
	LogLevel         string
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Security         SecurityConfig
	Lineage          LineageConfig
	Remote           RemoteConfig
	Upload           UploadConfig
	Maintenance      MaintenanceConfig
	NATS             NATSConfig
	AllowCORSOrigins []string
	TrustedProxies   []string
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("IMAGESTUDIO")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	switch c.Lineage.Driver {
	case "bolt":
		if c.Lineage.BoltPath == "" {
			return fmt.Errorf("lineage.boltpath is required for the bolt driver")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown lineage driver %q", c.Lineage.Driver)
	}
	if c.Remote.Retry.MaxRetries < 0 {
		return fmt.Errorf("remote.retry.maxretries must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("trustedproxies", []string{})

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "30s")
	v.SetDefault("http.writetimeout", "120s")
	v.SetDefault("http.idletimeout", "60s")
	v.SetDefault("http.maxuploadbytes", 20<<20)

	v.SetDefault("postgres.maxopen", 10)
	v.SetDefault("postgres.maxidle", 2)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.sessionttl", "168h")

	v.SetDefault("storage.bucketcanvases", "imagestudio-canvases")
	v.SetDefault("storage.bucketmasks", "imagestudio-masks")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("security.jwtaccessttl", "1h")
	v.SetDefault("security.dispatcherid", "dispatcher")

	v.SetDefault("lineage.driver", "bolt")
	v.SetDefault("lineage.boltpath", "data/lineage.bolt")

	v.SetDefault("remote.baseurl", "https://www.doubao.com")
	v.SetDefault("remote.completion", "/samantha/chat/completion")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.retry.maxretries", 3)
	v.SetDefault("remote.retry.backofffactor", "500ms")
	v.SetDefault("remote.retry.maxbackoff", "10s")
	v.SetDefault("remote.retry.retrystatuses", []int{429, 500, 502, 503, 504})

	v.SetDefault("upload.host", "imagex.bytedanceapi.com")
	v.SetDefault("upload.region", "cn-north-1")
	v.SetDefault("upload.service", "imagex")
	v.SetDefault("upload.serviceid", "a9rns2rl98")
	v.SetDefault("upload.apiversion", "2018-08-01")
	v.SetDefault("upload.fileextension", ".png")

	v.SetDefault("maintenance.checkinterval", "1m")
	v.SetDefault("maintenance.tokenrefreshinterval", "30m")
	v.SetDefault("maintenance.heartbeatinterval", "5m")
	v.SetDefault("maintenance.sessionrefreshinterval", "2h")

	v.SetDefault("nats.subject", "imagestudio.images.stored")
}
