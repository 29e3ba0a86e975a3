package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Chain struct {
		RPCURL          string        `mapstructure:"RPC_URL"`
		QueryTimeout    time.Duration `mapstructure:"QUERY_TIMEOUT"`
		MaxAttempts     int           `mapstructure:"MAX_ATTEMPTS"`
		InitialInterval time.Duration `mapstructure:"INITIAL_INTERVAL"`
		MaxInterval     time.Duration `mapstructure:"MAX_INTERVAL"`
	} `mapstructure:"CHAIN"`
	Engine struct {
		RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	} `mapstructure:"ENGINE"`
	Reconcile struct {
		Interval  time.Duration `mapstructure:"INTERVAL"`
		BatchSize int           `mapstructure:"BATCH_SIZE"`
	} `mapstructure:"RECONCILE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	applyDefaults(&cfg)

	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.AppName == "" {
		cfg.AppName = "questplane"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "8080"
	}
	if cfg.Chain.QueryTimeout == 0 {
		cfg.Chain.QueryTimeout = 10 * time.Second
	}
	if cfg.Chain.MaxAttempts == 0 {
		cfg.Chain.MaxAttempts = 3
	}
	if cfg.Chain.InitialInterval == 0 {
		cfg.Chain.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Chain.MaxInterval == 0 {
		cfg.Chain.MaxInterval = 5 * time.Second
	}
	if cfg.Engine.RequestTimeout == 0 {
		cfg.Engine.RequestTimeout = 30 * time.Second
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = 10 * time.Minute
	}
	if cfg.Reconcile.BatchSize == 0 {
		cfg.Reconcile.BatchSize = 100
	}
}
