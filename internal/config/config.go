package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Supabase SupabaseConfig `mapstructure:"supabase"`
	Epay     EpayConfig     `mapstructure:"epay"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Refund   RefundConfig   `mapstructure:"refund"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// Mode 取 debug 时 gin 和日志都走开发模式
	Mode            string `mapstructure:"mode"`
	AdminCORSOrigin string `mapstructure:"admin_cors_origin"`
}

// MySQLConfig 业务库（users / topups）连接配置
type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig brokers 为空时退款事件只落 outbox 表，不投递
type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	RefundResult string `mapstructure:"refund_result"`
}

// SupabaseConfig 审计库（refund_log / admin_users）
type SupabaseConfig struct {
	URL        string `mapstructure:"url"`
	ServiceKey string `mapstructure:"service_key"`
	JWTSecret  string `mapstructure:"jwt_secret"`
}

// EpayConfig 聚合支付渠道。私钥/公钥支持 PEM、base64(PEM)、base64(DER)
type EpayConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	PID        string `mapstructure:"pid"`
	PrivateKey string `mapstructure:"private_key"`
	PublicKey  string `mapstructure:"public_key"`
	// SignType 取 RSA（SHA-256，默认）或 RSA-SHA1
	SignType string `mapstructure:"sign_type"`
}

type StripeConfig struct {
	SecretKey string `mapstructure:"secret_key"`
	// BaseURL 留给测试替身用，默认官方地址
	BaseURL string `mapstructure:"base_url"`
}

// AdminConfig 管理端鉴权：APIKey 直连，或 JWT + 邮箱白名单 / admin_users 表
type AdminConfig struct {
	APIKey string   `mapstructure:"api_key"`
	Emails []string `mapstructure:"emails"`
}

type RefundConfig struct {
	// DefaultFeeBps 默认手续费基点，500 = 5%
	DefaultFeeBps       int64 `mapstructure:"default_fee_bps"`
	EstimateWorkers     int   `mapstructure:"estimate_workers"`
	StalePendingMinutes int   `mapstructure:"stale_pending_minutes"`
	OutboxMaxRetryCount int   `mapstructure:"outbox_max_retry_count"`
}

var GlobalConfig *Config

// LoadConfig 加载配置。先读 yaml，再用环境变量覆盖
// （mysql.host <- MYSQL_HOST，admin.api_key <- ADMIN_API_KEY，以此类推）。
// 配置文件缺失可以容忍（纯环境变量部署），解析失败直接退出。
func LoadConfig(configPath string) *Config {
	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			if !strings.Contains(err.Error(), "no such file") {
				log.Fatalf("读取配置文件失败: %v", err)
			}
			log.Printf("配置文件 %s 不存在，使用环境变量与默认值", configPath)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

// setDefaults 环境变量覆盖依赖这里注册过的键名
func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.admin_cors_origin", "")

	viper.SetDefault("mysql.host", "127.0.0.1")
	viper.SetDefault("mysql.port", 3306)
	viper.SetDefault("mysql.user", "root")
	viper.SetDefault("mysql.password", "")
	viper.SetDefault("mysql.database", "zelo")
	viper.SetDefault("mysql.max_open_conns", 20)
	viper.SetDefault("mysql.max_idle_conns", 5)

	viper.SetDefault("redis.host", "127.0.0.1")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("kafka.brokers", []string{})
	viper.SetDefault("kafka.topic.refund_result", "zelo.refund.result")

	viper.SetDefault("supabase.url", "")
	viper.SetDefault("supabase.service_key", "")
	viper.SetDefault("supabase.jwt_secret", "")

	viper.SetDefault("epay.base_url", "")
	viper.SetDefault("epay.pid", "")
	viper.SetDefault("epay.private_key", "")
	viper.SetDefault("epay.public_key", "")
	viper.SetDefault("epay.sign_type", "RSA")

	viper.SetDefault("stripe.secret_key", "")
	viper.SetDefault("stripe.base_url", "https://api.stripe.com")

	viper.SetDefault("admin.api_key", "")
	viper.SetDefault("admin.emails", []string{})

	viper.SetDefault("refund.default_fee_bps", 500)
	viper.SetDefault("refund.estimate_workers", 5)
	viper.SetDefault("refund.stale_pending_minutes", 15)
	viper.SetDefault("refund.outbox_max_retry_count", 5)
}
