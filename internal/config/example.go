package config

import (
	"fmt"

	"github.com/pelletier/go-toml"
	"github.com/spf13/viper"
)

// fileConfig mirrors Config with durations as strings ("60s"). The loader
// also reads a bare number for a duration as seconds.
type fileConfig struct {
	Port                int    `toml:"port" comment:"UDP port to listen for heartbeats on"`
	Timeout             string `toml:"timeout" comment:"silence after which a client is reported dead"`
	Period              string `toml:"period" comment:"sweep period; 0s sweeps once per timeout"`
	LogFile             string `toml:"log_file"`
	LogLevel            string `toml:"log_level"`
	IdentityIncludePort bool   `toml:"identity_include_port" comment:"key clients by host:port instead of host"`
	StatusAddr          string `toml:"status_addr" comment:"HTTP status and metrics listener; empty disables"`

	SMTP    fileSMTP    `toml:"smtp"`
	Discord fileDiscord `toml:"discord"`
	Etcd    fileEtcd    `toml:"etcd"`
	Client  fileClient  `toml:"client"`
}

type fileSMTP struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	From    string `toml:"from"`
	To      string `toml:"to"`
}

type fileDiscord struct {
	Token     string `toml:"token" comment:"bot token; alerts are posted when token and channel_id are set"`
	ChannelID string `toml:"channel_id"`
}

type fileEtcd struct {
	Endpoints   []string `toml:"endpoints" comment:"publish sweep results to etcd; empty disables"`
	Prefix      string   `toml:"prefix"`
	DialTimeout string   `toml:"dial_timeout"`
}

type fileClient struct {
	Server   string `toml:"server"`
	Port     int    `toml:"port"`
	Interval string `toml:"interval"`
	Payload  string `toml:"payload"`
}

func toFileConfig(c *Config) fileConfig {
	endpoints := c.Etcd.Endpoints
	if endpoints == nil {
		endpoints = []string{}
	}
	return fileConfig{
		Port:                c.Port,
		Timeout:             c.Timeout.String(),
		Period:              c.Period.String(),
		LogFile:             c.LogFile,
		LogLevel:            c.LogLevel,
		IdentityIncludePort: c.IdentityIncludePort,
		StatusAddr:          c.StatusAddr,
		SMTP: fileSMTP{
			Enabled: c.SMTP.Enabled,
			Host:    c.SMTP.Host,
			Port:    c.SMTP.Port,
			From:    c.SMTP.From,
			To:      c.SMTP.To,
		},
		Discord: fileDiscord{
			Token:     c.Discord.Token,
			ChannelID: c.Discord.ChannelID,
		},
		Etcd: fileEtcd{
			Endpoints:   endpoints,
			Prefix:      c.Etcd.Prefix,
			DialTimeout: c.Etcd.DialTimeout.String(),
		},
		Client: fileClient{
			Server:   c.Client.Server,
			Port:     c.Client.Port,
			Interval: c.Client.Interval.String(),
			Payload:  c.Client.Payload,
		},
	}
}

// Example renders the built-in defaults as TOML, suitable as a starting
// config file for -config. The environment is not consulted, so secrets
// set through BEATWATCH_* never end up in the output.
func Example() ([]byte, error) {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	data, err := toml.Marshal(toFileConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("marshal example config: %w", err)
	}
	return data, nil
}
