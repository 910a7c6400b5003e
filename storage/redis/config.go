package redis

import (
	redisv8 "github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Config describes how to reach the L2 Redis tier. It is optional: a
// gateway deployment with no redis stanza simply runs with L2 absent,
// falling straight from L1 to L3 (spec §4.4).
type Config struct {
	Addrs            []string `json:"addrs" yaml:"addrs"`
	Password         string   `json:"password" yaml:"password"`
	SentinelPassword string   `json:"sentinel_password" yaml:"sentinel_password"`
	MasterName       string   `json:"master_name" yaml:"master_name"`
}

// Open returns a ready-to-use L2 client.
func (c *Config) Open(logger logrus.FieldLogger) *Client {
	return c.open(logger)
}

func (c *Config) open(logger logrus.FieldLogger) *Client {
	opts := &redisv8.UniversalOptions{
		Addrs:            c.Addrs,
		Password:         c.Password,
		SentinelPassword: c.SentinelPassword,
		MasterName:       c.MasterName,
	}
	return &Client{
		db:     redisv8.NewUniversalClient(opts),
		logger: logger,
	}
}
