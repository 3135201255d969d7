package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsarna/wsbridge/pkg/bridge/config"
)

// configFlags are the settings that can be given on the command line in
// addition to, or instead of, a config file.
type configFlags struct {
	file         string
	topic        string
	transport    string
	redisAddr    string
	kafkaBrokers []string
	payload      string
	query        string
}

func (f *configFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.file, "config", "c", "", "HCL config file")
	flags.StringVarP(&f.topic, "topic", "t", "", "topic to bridge")
	flags.StringVar(&f.transport, "transport", "", "transport: local, redis or kafka")
	flags.StringVar(&f.redisAddr, "redis-addr", "", "Redis address (host:port)")
	flags.StringSliceVar(&f.kafkaBrokers, "kafka-brokers", nil, "Kafka broker addresses")
	flags.StringVar(&f.payload, "payload", "", "payload format: raw, json or jq")
	flags.StringVar(&f.query, "query", "", "jq query extracting the value when --payload=jq")
}

// load reads the config file if one was given and applies any flags the
// user set explicitly.
func (f *configFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if f.file != "" {
		var err error
		if cfg, err = config.Load(f.file); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("topic") {
		cfg.Topic = f.topic
	}
	if flags.Changed("transport") {
		cfg.Transport = f.transport
	}
	if flags.Changed("redis-addr") {
		cfg.Redis.Addr = f.redisAddr
	}
	if flags.Changed("kafka-brokers") {
		cfg.Kafka.Brokers = f.kafkaBrokers
	}
	if flags.Changed("payload") {
		cfg.Pump.Payload = f.payload
	}
	if flags.Changed("query") {
		cfg.Pump.Query = f.query
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
