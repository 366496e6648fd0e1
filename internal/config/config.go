package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port" validate:"gt=0,lte=65535"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret" validate:"required"`

	BackendURL string `mapstructure:"backend_url" validate:"required,url"`
	FeedURL    string `mapstructure:"feed_url" validate:"required"`
	SignalURL  string `mapstructure:"signal_url" validate:"required,url"`
	Token      string `mapstructure:"token"`

	SessionID   string `mapstructure:"session_id" validate:"required"`
	ProfileID   string `mapstructure:"profile_id" validate:"required"`
	DisplayName string `mapstructure:"display_name"`
	AvatarURL   string `mapstructure:"avatar_url"`
	CanPublish  bool   `mapstructure:"can_publish"`

	VideoAddr   string        `mapstructure:"video_addr"`
	AudioAddr   string        `mapstructure:"audio_addr"`
	ReleaseWait time.Duration `mapstructure:"release_wait"`
	InviteTTL   time.Duration `mapstructure:"invite_ttl"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("can_publish", true)
	v.SetDefault("video_addr", "127.0.0.1:5004")
	v.SetDefault("audio_addr", "127.0.0.1:5006")
	v.SetDefault("release_wait", "1s")
	v.SetDefault("invite_ttl", "45s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
