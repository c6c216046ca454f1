// Package config holds the envconfig-driven server configuration consumed
// by api/pkg/pubsub to stand up the embedded-or-external NATS instance
// that backs the Log Hub's cross-process fan-out (spec §4.4, §6.3).
package config

import "github.com/kelseyhightower/envconfig"

type ServerConfig struct {
	PubSub PubSub
}

// PubSub configures the embedded-or-external NATS instance used for
// cross-process fan-out (api/pkg/pubsub).
type PubSub struct {
	Server struct {
		Host                      string `envconfig:"PUBSUB_SERVER_HOST" default:"0.0.0.0"`
		Port                      int    `envconfig:"PUBSUB_SERVER_PORT"`
		WebsocketPort             int    `envconfig:"PUBSUB_SERVER_WS_PORT"`
		Token                     string `envconfig:"PUBSUB_SERVER_TOKEN"`
		EmbeddedNatsServerEnabled bool   `envconfig:"PUBSUB_EMBEDDED_ENABLED" default:"true"`
	}
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}
