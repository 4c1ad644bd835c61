// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/signal-server/pkg/utils"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	RPC     RPCConfig     `yaml:"rpc"`
	TURN    TURNConfig    `yaml:"turn"`
	Webhook WebhookConfig `yaml:"webhook"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	BindIP string `yaml:"bind_ip"`
	Port   uint32 `yaml:"port"`
	// PublicHost is the authority placed into member sid URIs handed back by
	// Create. Falls back to bind_ip:port when empty.
	PublicHost string `yaml:"public_host"`
}

// RPCConfig holds server-wide defaults for the per-member session clocks.
// Members may override each knob in their own spec.
type RPCConfig struct {
	IdleTimeout      utils.Duration `yaml:"idle_timeout"`
	ReconnectTimeout utils.Duration `yaml:"reconnect_timeout"`
	PingInterval     utils.Duration `yaml:"ping_interval"`
}

type TURNConfig struct {
	Host  string `yaml:"host"`
	Port  uint32 `yaml:"port"`
	User  string `yaml:"user"`
	Pass  string `yaml:"pass"`
	Realm string `yaml:"realm"`

	DB  TURNDBConfig  `yaml:"db"`
	CLI TURNCLIConfig `yaml:"cli"`
}

type TURNDBConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TURNCLIConfig points at coturn's telnet admin interface.
type TURNCLIConfig struct {
	Host string     `yaml:"host"`
	Port uint32     `yaml:"port"`
	Pass string     `yaml:"pass"`
	Pool PoolConfig `yaml:"pool"`
}

type PoolConfig struct {
	MaxSize        int            `yaml:"max_size"`
	WaitTimeout    utils.Duration `yaml:"wait_timeout"`
	ConnectTimeout utils.Duration `yaml:"connect_timeout"`
	RecycleTimeout utils.Duration `yaml:"recycle_timeout"`
}

type WebhookConfig struct {
	MaxRetries     int            `yaml:"max_retries"`
	InitialBackoff utils.Duration `yaml:"initial_backoff"`
	RequestTimeout utils.Duration `yaml:"request_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindIP: "0.0.0.0",
			Port:   8080,
		},
		RPC: RPCConfig{
			IdleTimeout:      utils.Duration(10 * time.Second),
			ReconnectTimeout: utils.Duration(10 * time.Second),
			PingInterval:     utils.Duration(3 * time.Second),
		},
		TURN: TURNConfig{
			Host:  "localhost",
			Port:  3478,
			User:  "USER",
			Pass:  "PASS",
			Realm: "relaymesh",
			DB: TURNDBConfig{
				Redis: RedisConfig{
					Address: "127.0.0.1:6379",
				},
			},
			CLI: TURNCLIConfig{
				Host: "127.0.0.1",
				Port: 5766,
				Pool: PoolConfig{
					MaxSize:        16,
					WaitTimeout:    utils.Duration(2 * time.Second),
					ConnectTimeout: utils.Duration(2 * time.Second),
					RecycleTimeout: utils.Duration(2 * time.Second),
				},
			},
		},
		Webhook: WebhookConfig{
			MaxRetries:     5,
			InitialBackoff: utils.Duration(100 * time.Millisecond),
			RequestTimeout: utils.Duration(5 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// NewConfig overlays YAML content onto the defaults.
func NewConfig(content []byte) (*Config, error) {
	conf := DefaultConfig()
	if len(content) > 0 {
		if err := yaml.Unmarshal(content, conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %w", err)
		}
	}
	return conf, nil
}

// ClientAddress is the authority used in member sid URIs.
func (c *Config) ClientAddress() string {
	if c.Server.PublicHost != "" {
		return c.Server.PublicHost
	}
	return fmt.Sprintf("%s:%d", c.Server.BindIP, c.Server.Port)
}
