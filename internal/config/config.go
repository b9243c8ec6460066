package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Fee       FeeConfig       `mapstructure:"fee"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Business  BusinessConfig  `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

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

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	SettlementResult string `mapstructure:"settlement_result"`
}

// FeeConfig 计费规则（手续费和税费向付款方额外收取）
type FeeConfig struct {
	FeePercent        float64 `mapstructure:"fee_percent"`          // 如 0.10
	FixedFeeMinorUnit int64   `mapstructure:"fixed_fee_minor_unit"` // 固定手续费（分）
	TaxPercent        float64 `mapstructure:"tax_percent"`          // 如 0.13
	Currency          string  `mapstructure:"currency"`             // 结算币种
}

type ProvidersConfig struct {
	Stripe StripeConfig `mapstructure:"stripe"`
	Nuvei  NuveiConfig  `mapstructure:"nuvei"`
}

type StripeConfig struct {
	SecretKey      string `mapstructure:"secret_key"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	ManualCapture  bool   `mapstructure:"manual_capture"` // 托管模式：冻结后放款
}

type NuveiConfig struct {
	MerchantID     string `mapstructure:"merchant_id"`
	SecretKey      string `mapstructure:"secret_key"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type BusinessConfig struct {
	MaxRetryCount        int `mapstructure:"max_retry_count"`         // 发件箱/回调事件最大重试次数
	InFlightPollSeconds  int `mapstructure:"in_flight_poll_seconds"`  // 中间态轮询间隔
	InFlightAfterMinutes int `mapstructure:"in_flight_after_minutes"` // 停留多久算卡单
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return config, nil
}
