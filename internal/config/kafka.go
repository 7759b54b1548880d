package config

import (
	"strings"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/viper"
)

const defaultBrokers = "localhost:9092,localhost:9093,localhost:9094"

func getKafkaBrokerURLs() []string {
	brokers := viper.GetString("KAFKA_BROKERS")
	if brokers == "" {
		brokers = defaultBrokers
	}
	return strings.Split(brokers, ",")
}

func NewKafkaWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(getKafkaBrokerURLs()...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
}

func NewKafkaReader(topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  getKafkaBrokerURLs(),
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
}
