package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Postgres    DBConfig
	Redis       RedisConfig
	Logger      Logger
	Coordinator CoordinatorConfig
	Worker      WorkerConfig
}

type ServerConfig struct {
	AppVersion string
	Port       string
	Mode       string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	PgDriver string
}

type RedisConfig struct {
	RedisAddr     string
	RedisPassword string
	DB            int
	MinIdleConns  int
	PoolSize      int
	PoolTimeout   int
	JobStreamKey  string
	ConsumerGroup string
	ProgressChan  string
	AlertsChan    string
}

type Logger struct {
	Development       bool
	DisableCaller     bool
	DisableStacktrace bool
	Encoding          string
	Level             string
}

// CoordinatorConfig carries the lease and reconciliation policy knobs.
// GPUDeferralWindow and StartupGracePeriod are tunable policy, not
// load-bearing invariants.
type CoordinatorConfig struct {
	LeaseDuration          time.Duration
	HeartbeatInterval      time.Duration
	OfflineThreshold       time.Duration
	ReconcileInterval      time.Duration
	StartupGracePeriod     time.Duration
	GPUDeferralWindow      time.Duration
	MaxAttempts            int
	PreserveCompletedUnits bool
}

type WorkerConfig struct {
	WorkerID         string
	DisplayName      string
	Class            string
	PollInterval     time.Duration
	TranscodeCommand string
}

func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(filename)
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("Coordinator.LeaseDuration", 30*time.Minute)
	v.SetDefault("Coordinator.HeartbeatInterval", 30*time.Second)
	v.SetDefault("Coordinator.OfflineThreshold", 5*time.Minute)
	v.SetDefault("Coordinator.ReconcileInterval", 60*time.Second)
	v.SetDefault("Coordinator.StartupGracePeriod", 2*time.Minute)
	v.SetDefault("Coordinator.MaxAttempts", 3)
	v.SetDefault("Coordinator.PreserveCompletedUnits", true)
	v.SetDefault("Redis.JobStreamKey", "transcode:jobs")
	v.SetDefault("Redis.ConsumerGroup", "transcode-workers")
	v.SetDefault("Redis.ProgressChan", "transcode:progress")
	v.SetDefault("Redis.AlertsChan", "transcode:alerts")
	v.SetDefault("Worker.PollInterval", 5*time.Second)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFound) {
			return nil, errors.New("config file not found")
		}
		return nil, err
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if c.Coordinator.GPUDeferralWindow == 0 {
		c.Coordinator.GPUDeferralWindow = 2 * c.Coordinator.HeartbeatInterval
	}
	return &c, nil
}
