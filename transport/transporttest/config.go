// Package transporttest holds helpers shared by transport tests.
package transporttest

import "time"

// Config is a plain struct implementing transport.Config.
type Config struct {
	Transport          string
	LockDuration       time.Duration
	AMQPURL            string
	AMQPDialect        string
	AMQPContainerID    string
	RabbitMQURL        string
	NATSURL            string
	KafkaBrokers       []string
	KafkaConsumerGroup string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

func (c *Config) GetTransport() string           { return c.Transport }
func (c *Config) GetLockDuration() time.Duration { return c.LockDuration }
func (c *Config) GetAMQPURL() string             { return c.AMQPURL }
func (c *Config) GetAMQPDialect() string         { return c.AMQPDialect }
func (c *Config) GetAMQPContainerID() string     { return c.AMQPContainerID }
func (c *Config) GetRabbitMQURL() string         { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string             { return c.NATSURL }
func (c *Config) GetKafkaBrokers() []string      { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string  { return c.KafkaConsumerGroup }
func (c *Config) GetAWSRegion() string           { return c.AWSRegion }
func (c *Config) GetAWSAccessKeyID() string      { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string  { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string         { return c.AWSEndpoint }
