package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/weather-star-etl/internal/config"
	"github.com/couchcryptid/weather-star-etl/internal/domain"
)

// messageWriter is the subset of *kafkago.Writer used by Publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher produces one message per loaded measurement to the sink topic.
// It implements pipeline.Publisher.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a Kafka producer for the configured sink topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, logger: logger, now: time.Now}
}

// MeasurementMessage is the JSON value of a published measurement: the fact
// row joined with its city.
type MeasurementMessage struct {
	domain.Measurement
	CityName  string  `json:"city_name"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Publish writes all facts of one run in a single WriteMessages call. Every
// fact must reference a city in cities.
func (p *Publisher) Publish(ctx context.Context, runID string, cities []domain.City, facts []domain.Measurement) error {
	if len(facts) == 0 {
		return nil
	}

	byID := make(map[int]domain.City, len(cities))
	for _, c := range cities {
		byID[c.ID] = c
	}

	loadedAt := p.now().UTC()
	msgs := make([]kafkago.Message, len(facts))
	for i, f := range facts {
		city, ok := byID[f.CityID]
		if !ok {
			return fmt.Errorf("measurement references unknown city_id %d", f.CityID)
		}
		msg, err := serializeToMessage(runID, loadedAt, city, f)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write measurements: %w", err)
	}
	p.logger.Debug("measurements published", "run_id", runID, "messages", len(msgs))
	return nil
}

// Close flushes pending writes and closes the producer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage keys the message by the city's natural key, which is
// stable across runs while city_id is not.
func serializeToMessage(runID string, loadedAt time.Time, city domain.City, fact domain.Measurement) (kafkago.Message, error) {
	data, err := json.Marshal(MeasurementMessage{
		Measurement: fact,
		CityName:    city.Name,
		Country:     city.Country,
		Latitude:    city.Latitude,
		Longitude:   city.Longitude,
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize measurement: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(city.Key().String()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "run_id", Value: []byte(runID)},
			{Key: "loaded_at", Value: []byte(loadedAt.Format(time.RFC3339))},
		},
	}, nil
}
