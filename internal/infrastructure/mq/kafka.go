package mq

import (
	"github.com/Privnode-HQ/zelo-refund/internal/config"
	"github.com/Privnode-HQ/zelo-refund/internal/logger"

	"github.com/IBM/sarama"
)

var KafkaProducer sarama.SyncProducer

// InitKafka 创建同步生产者。brokers 未配置时返回 nil，
// 退款事件只落 outbox 表不投递，发送任务跟着停摆。
func InitKafka(cfg *config.KafkaConfig) sarama.SyncProducer {
	if len(cfg.Brokers) == 0 {
		logger.S().Info("kafka 未配置，退款事件仅落 outbox 表")
		return nil
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		logger.S().Fatalf("创建 Kafka 生产者失败: %v", err)
	}

	KafkaProducer = producer
	logger.S().Info("Kafka 生产者创建成功")
	return producer
}

func Enabled() bool {
	return KafkaProducer != nil
}

func SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	_, _, err := KafkaProducer.SendMessage(msg)
	return err
}

func CloseKafka() {
	if KafkaProducer != nil {
		KafkaProducer.Close()
	}
}
