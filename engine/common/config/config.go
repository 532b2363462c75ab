// Package config loads the optional YAML configuration file. The forwarder
// runs perfectly well with no config file at all. Only Logging.Level is
// applied (by app.New); the Defaults section is parsed but does not change
// any CLI flag value.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"t2sproxy/engine/common/logx"
)

type Logging struct {
	Level string `yaml:"level"`
}

type Defaults struct {
	ListenAddr        string  `yaml:"listen_addr"`
	ListenPort        int     `yaml:"listen_port"`
	ExternalPort      int     `yaml:"external_port"`
	SocksHost         string  `yaml:"socks_host"`
	SocksPort         string  `yaml:"socks_port"`
	SocksUser         string  `yaml:"socks_user"`
	SocksPass         string  `yaml:"socks_pass"`
	BufferSize        int     `yaml:"buffer_size"`
	IdleTimeoutSec    int     `yaml:"idle_timeout"`
	ConnectTimeoutSec int     `yaml:"connect_timeout"`
	MaxConns          int     `yaml:"max_conns"`
	WebSocket         bool    `yaml:"web_socket"`
	WebAddr           string  `yaml:"web_addr"`
	WebPort           int     `yaml:"web_port"`
	DownloadLimitMbit float64 `yaml:"download_limit_mbit"`
	Rules             string  `yaml:"rules"`
}

type Config struct {
	Logging  Logging  `yaml:"logging"`
	Defaults Defaults `yaml:"defaults"`
}

var log = logx.New(logx.WithPrefix("config"))

// Load reads p, or returns a zero Config (not an error) if the file does
// not exist: config is purely optional for this proxy.
func Load(p string) (*Config, error) {
	if p == "" {
		return &Config{}, nil
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		log.Errorf("parse config %s: %v", p, err)
		return nil, err
	}
	return &c, nil
}
