package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type App struct {
	Name        string `mapstructure:"name"`
	Port        string `mapstructure:"port"`
	Development bool   `mapstructure:"development"`
}

type Mongo struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Kafka struct {
	Brokers       []string `mapstructure:"brokers"`
	MessageTopic  string   `mapstructure:"message_topic"`
	AccountTopic  string   `mapstructure:"account_topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

type JWT struct {
	Secret string `mapstructure:"secret"`
}

type WS struct {
	PingIntervalSec  int `mapstructure:"ping_interval_sec"`
	WriteTimeoutSec  int `mapstructure:"write_timeout_sec"`
	PresenceTTLSec   int `mapstructure:"presence_ttl_sec"`
	SendBufferEvents int `mapstructure:"send_buffer_events"`
}

type Uploads struct {
	Dir       string `mapstructure:"dir"`
	BaseURL   string `mapstructure:"base_url"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
}

type Rate struct {
	MessagesPerSec float64 `mapstructure:"messages_per_sec"`
	Burst          int     `mapstructure:"burst"`
}

type Config struct {
	App     App     `mapstructure:"app"`
	Mongo   Mongo   `mapstructure:"mongo"`
	Redis   Redis   `mapstructure:"redis"`
	Kafka   Kafka   `mapstructure:"kafka"`
	JWT     JWT     `mapstructure:"jwt"`
	WS      WS      `mapstructure:"ws"`
	Uploads Uploads `mapstructure:"uploads"`
	Rate    Rate    `mapstructure:"rate"`
}

func (w WS) PingInterval() time.Duration { return time.Duration(w.PingIntervalSec) * time.Second }
func (w WS) WriteTimeout() time.Duration { return time.Duration(w.WriteTimeoutSec) * time.Second }
func (w WS) PresenceTTL() time.Duration  { return time.Duration(w.PresenceTTLSec) * time.Second }

// Load reads config.yaml from path (or the working directory when empty)
// and overlays CHATD_* environment variables, so e.g. CHATD_MONGO_URI
// overrides mongo.uri.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("CHATD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env vars and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "chatd")
	v.SetDefault("app.port", "8085")
	v.SetDefault("app.development", false)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "farmconnect")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.message_topic", "chat.message-sent")
	v.SetDefault("kafka.account_topic", "account.events")
	v.SetDefault("kafka.consumer_group", "chatd")

	v.SetDefault("ws.ping_interval_sec", 30)
	v.SetDefault("ws.write_timeout_sec", 10)
	v.SetDefault("ws.presence_ttl_sec", 60)
	v.SetDefault("ws.send_buffer_events", 64)

	v.SetDefault("uploads.dir", "./uploads")
	v.SetDefault("uploads.base_url", "http://localhost:8085/uploads")
	v.SetDefault("uploads.max_size_mb", 25)

	v.SetDefault("rate.messages_per_sec", 5)
	v.SetDefault("rate.burst", 10)
}
