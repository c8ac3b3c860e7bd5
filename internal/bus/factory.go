package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/ricesearch/rag-bench/internal/config"
	"github.com/ricesearch/rag-bench/internal/pkg/errors"
	"github.com/ricesearch/rag-bench/internal/pkg/logger"
)

// NewBus creates a Bus from configuration. When an event log path is set,
// the bus is wrapped so every event is also appended to it.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	var b Bus
	switch strings.ToLower(cfg.Type) {
	case "none", "":
		b = NopBus{}

	case "memory":
		b = NewMemoryBus(log)

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}
		kb, err := NewKafkaBus(KafkaConfig{
			Brokers: brokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return nil, err
		}
		b = kb

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}

	if cfg.EventLog == "" {
		return b, nil
	}

	el, err := NewEventLogger(cfg.EventLog, true)
	if err != nil {
		b.Close()
		return nil, errors.Wrap(errors.CodeInternal, "failed to open event log", err)
	}
	return NewLoggedBus(b, el, log), nil
}

// NopBus discards events.
type NopBus struct{}

// Publish discards the event.
func (NopBus) Publish(context.Context, string, Event) error { return nil }

// Subscribe accepts and never calls the handler.
func (NopBus) Subscribe(context.Context, string, Handler) error { return nil }

// Close is a no-op.
func (NopBus) Close() error { return nil }
