package connector

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	DefaultHost                = "0.0.0.0"
	DefaultPort                = 4222
	DefaultPingInterval        = 10
	DefaultMaxPingsOutstanding = 3
	DefaultMaxReconnects       = -1
	DefaultDomain              = "crm"
)

type Connector struct {
	conn   *nats.Conn
	logger *zap.Logger
	domain string
}

func New(logger *zap.Logger) *Connector {

	c := &Connector{
		logger: logger,
	}

	c.initialize()

	return c
}

func (c *Connector) initialize() {

	err := c.connect()
	if err != nil {
		c.logger.Error(err.Error())
	}
}

func (c *Connector) connect() error {

	// default domain
	viper.SetDefault("messaging.domain", DefaultDomain)

	// default settings
	viper.SetDefault("messaging.host", DefaultHost)
	viper.SetDefault("messaging.port", DefaultPort)
	viper.SetDefault("messaging.pingInterval", DefaultPingInterval)
	viper.SetDefault("messaging.maxPingsOutstanding", DefaultMaxPingsOutstanding)
	viper.SetDefault("messaging.maxReconnects", DefaultMaxReconnects)

	// Read configs
	domain := viper.GetString("messaging.domain")
	host := viper.GetString("messaging.host")
	port := viper.GetInt("messaging.port")
	pingInterval := viper.GetInt64("messaging.pingInterval")
	maxPingsOutstanding := viper.GetInt("messaging.maxPingsOutstanding")
	maxReconnects := viper.GetInt("messaging.maxReconnects")

	address := fmt.Sprintf("nats://%s:%d", host, port)

	c.logger.Info("Connecting to messaging layer...",
		zap.String("domain", domain),
		zap.String("address", address),
		zap.Int64("pingInterval", pingInterval),
		zap.Int("maxPingsOutstanding", maxPingsOutstanding),
		zap.Int("maxReconnects", maxReconnects),
	)

	c.domain = domain

	// Connect
	nc, err := nats.Connect(address,
		nats.PingInterval(time.Duration(pingInterval)*time.Second),
		nats.MaxPingsOutstanding(maxPingsOutstanding),
		nats.MaxReconnects(maxReconnects),
	)
	if err != nil {
		return err
	}

	c.conn = nc

	return nil
}

func (c *Connector) GetConnection() *nats.Conn {
	return c.conn
}

func (c *Connector) GetDomain() string {
	return c.domain
}

func (c *Connector) Close() {

	if c.conn == nil {
		return
	}

	c.conn.Close()
}
