package events

import (
	"fmt"

	"robotrelay/internal/config"
	"robotrelay/internal/logger"
)

// FromConfig connects every configured broker. With none configured it returns Nop.
func FromConfig(cfg config.EventsConfig, log *logger.Logger) (Publisher, error) {
	var publishers Fanout

	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		log.Info("Publishing events to Kafka topic %s", cfg.Kafka.Topic)
		publishers = append(publishers, kafka)
	}

	if cfg.MQTT.Broker != "" {
		mqtt, err := NewMQTTPublisher(cfg.MQTT, log)
		if err != nil {
			publishers.Close()
			return nil, fmt.Errorf("mqtt publisher: %w", err)
		}
		log.Info("Publishing events to MQTT broker %s", cfg.MQTT.Broker)
		publishers = append(publishers, mqtt)
	}

	switch len(publishers) {
	case 0:
		return Nop{}, nil
	case 1:
		return publishers[0], nil
	}
	return publishers, nil
}
