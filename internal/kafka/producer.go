package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"discount-ledger/internal/config"
	"discount-ledger/internal/logger"
	"discount-ledger/internal/models"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// Producer представляет Kafka producer
type Producer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
	topics   *config.Topics
}

// NewProducer создает новый Kafka producer
func NewProducer(cfg *config.KafkaConfig, log *logger.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.Net.DialTimeout = 3 * time.Second

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	log.WithField("brokers", cfg.Brokers).Info("Kafka producer created")

	return &Producer{
		producer: producer,
		log:      log,
		topics:   &cfg.Topics,
	}, nil
}

// Close закрывает producer
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// PublishGiftCardIssued публикует событие выпуска подарочной карты
func (p *Producer) PublishGiftCardIssued(card *models.GiftCard, purchaserID string) error {
	return p.publishCardEvent(models.EventTypeGiftCardIssued, models.GiftCardEventData{
		CardID: card.ID,
		Code:   card.Code,
		Type:   card.Type,
		UserID: purchaserID,
		Amount: card.Amount,
	})
}

// PublishGiftCardClaimed публикует событие привязки карты к пользователю
func (p *Producer) PublishGiftCardClaimed(card *models.GiftCard, userID string) error {
	return p.publishCardEvent(models.EventTypeGiftCardClaimed, models.GiftCardEventData{
		CardID: card.ID,
		Code:   card.Code,
		Type:   card.Type,
		UserID: userID,
		Amount: card.Amount,
	})
}

// PublishGiftCardRedeemed публикует событие погашения карты
// ownerIDs перечисляет всех владельцев, чей кеш карт устарел.
func (p *Producer) PublishGiftCardRedeemed(card *models.GiftCard, userID string, ownerIDs []string, orderAmount, discount float64) error {
	return p.publishCardEvent(models.EventTypeGiftCardRedeemed, models.GiftCardEventData{
		CardID:      card.ID,
		Code:        card.Code,
		Type:        card.Type,
		UserID:      userID,
		OwnerIDs:    ownerIDs,
		Amount:      card.Amount,
		OrderAmount: orderAmount,
		Discount:    discount,
	})
}

func (p *Producer) publishCardEvent(eventType models.EventType, data models.GiftCardEventData) error {
	payload, err := toMap(data)
	if err != nil {
		return err
	}

	event := models.Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      payload,
	}
	return p.publishEvent(p.topics.GiftCards, event, data.CardID.String())
}

// publishEvent отправляет событие в топик; key определяет партицию
func (p *Producer) publishEvent(topic string, event models.Event, key string) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", topic, err)
	}

	p.log.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"topic":      topic,
		"partition":  partition,
		"offset":     offset,
	}).Debug("Event published")

	return nil
}

func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to convert event data: %w", err)
	}
	return out, nil
}
