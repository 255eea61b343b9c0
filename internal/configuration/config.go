package configuration

import (
	"encoding/json"
	"os"
)

type MongoConfig struct {
	Uri                     string `json:"uri"`
	Database                string `json:"database"`
	MessagesCollection      string `json:"messagesCollection"`
	StatusesCollection      string `json:"statusesCollection"`
	ConversationsCollection string `json:"conversationsCollection"`
	UsersCollection         string `json:"usersCollection"`
	CallsCollection         string `json:"callsCollection"`
	ParticipantsCollection  string `json:"participantsCollection"`
	SocketRoute             string `json:"socketRoute"`
}

type ServerConfig struct {
	AppPort     int      `json:"app_port"`
	SocketPort  int      `json:"socket_port"`
	CorsOrigins []string `json:"cors_origins"`
}

type MediaConfig struct {
	ApiKey          string `json:"api_key"`
	ApiSecret       string `json:"api_secret"`
	Url             string `json:"url"`
	TokenTtlSeconds int    `json:"token_ttl_seconds"`
}

type PushConfig struct {
	RedisUri string `json:"redis_uri"`
}

type JanitorConfig struct {
	PurgeIntervalSeconds  int `json:"purge_interval_seconds"`
	ReapIntervalSeconds   int `json:"reap_interval_seconds"`
	StaleThresholdSeconds int `json:"stale_threshold_seconds"`
}

type Config struct {
	ChatDatabase MongoConfig   `json:"mongo"`
	Server       ServerConfig  `json:"server"`
	Media        MediaConfig   `json:"media"`
	Push         PushConfig    `json:"push"`
	Janitor      JanitorConfig `json:"janitor"`
}

func LoadConfig(config_path string) (*Config, error) {
	file, err := os.ReadFile(config_path)
	if err != nil {
		return nil, err
	}

	var config Config
	err = json.Unmarshal(file, &config)
	if err != nil {
		return nil, err
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.ChatDatabase.SocketRoute == "" {
		c.ChatDatabase.SocketRoute = "ws"
	}
	if c.Media.TokenTtlSeconds <= 0 {
		c.Media.TokenTtlSeconds = 3600
	}
	if c.Janitor.PurgeIntervalSeconds <= 0 {
		c.Janitor.PurgeIntervalSeconds = 60
	}
	if c.Janitor.ReapIntervalSeconds <= 0 {
		c.Janitor.ReapIntervalSeconds = 30
	}
	if c.Janitor.StaleThresholdSeconds <= 0 {
		c.Janitor.StaleThresholdSeconds = 4 * 3600
	}
}
