package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// 允许跨域的前端地址
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"running"`
	Redis struct {
		// 为空时不启用在线成员镜像
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Mysql struct {
		// 为空时不持久化房间目录
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		// 为空时不发文档更新事件
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queue_size"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"max_retry"`
		BaseBackoff time.Duration `mapstructure:"base_backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"kafka"`
	Relay struct {
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		SendQueue       int           `mapstructure:"send_queue"`
		MaxFrameBytes   int64         `mapstructure:"max_frame_bytes"`
		Semaphore       int           `mapstructure:"semaphore"`
		SubmitBudget    time.Duration `mapstructure:"submit_budget"`
		PresenceTTL     time.Duration `mapstructure:"presence_ttl"`
		RoomIdleTTL     time.Duration `mapstructure:"room_idle_ttl"`
		JanitorInterval time.Duration `mapstructure:"janitor_interval"`
		IOTimeout       time.Duration `mapstructure:"io_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"relay"`
	Sync struct {
		// 客户端（cmd/peer）连接的 relay
		RelayURL       string        `mapstructure:"relay_url"`
		ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
		PingInterval   time.Duration `mapstructure:"ping_interval"`
		ReadTimeout    time.Duration `mapstructure:"read_timeout"`
		WriteTimeout   time.Duration `mapstructure:"write_timeout"`
		SeedDelay      time.Duration `mapstructure:"seed_delay"`
	} `mapstructure:"sync"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// EnvPrefix 环境变量覆盖，例如 CODECOLLAB_REDIS_ADDR
const EnvPrefix = "CODECOLLAB"

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.allow_origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mysql.dsn", "")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-updates")
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("kafka.base_backoff", 50*time.Millisecond)
	v.SetDefault("kafka.max_backoff", time.Second)

	v.SetDefault("relay.read_timeout", 60*time.Second)
	v.SetDefault("relay.write_timeout", 5*time.Second)
	v.SetDefault("relay.send_queue", 256)
	v.SetDefault("relay.max_frame_bytes", 1<<20)
	v.SetDefault("relay.semaphore", 100)
	v.SetDefault("relay.submit_budget", 200*time.Millisecond)
	v.SetDefault("relay.presence_ttl", 10*time.Minute)
	v.SetDefault("relay.room_idle_ttl", 10*time.Minute)
	v.SetDefault("relay.janitor_interval", time.Minute)
	v.SetDefault("relay.io_timeout", time.Second)
	v.SetDefault("relay.shutdown_timeout", 10*time.Second)

	v.SetDefault("sync.relay_url", "ws://127.0.0.1:8080")
	v.SetDefault("sync.reconnect_delay", time.Second)
	v.SetDefault("sync.ping_interval", 10*time.Second)
	v.SetDefault("sync.read_timeout", 30*time.Second)
	v.SetDefault("sync.write_timeout", 5*time.Second)
	v.SetDefault("sync.seed_delay", 2*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load 读取 name.yaml；找不到配置文件时只用默认值和环境变量
func Load(name string, paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
