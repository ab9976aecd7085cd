package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"imagestudio/internal/config"
	"imagestudio/internal/models"
)

// ImageStored is published after a record has been persisted.
type ImageStored struct {
	ID            string               `json:"id"`
	ParentID      string               `json:"parent_id,omitempty"`
	OperationType models.OperationType `json:"type"`
	URLs          []string             `json:"urls"`
	Depth         int                  `json:"depth"`
	CreatedAt     int64                `json:"created_at"`
}

func NewImageStored(record models.ImageRecord) ImageStored {
	return ImageStored{
		ID:            record.ID,
		ParentID:      record.ParentID,
		OperationType: record.OperationType,
		URLs:          record.URLs,
		Depth:         len(record.EditChain),
		CreatedAt:     record.CreatedAt,
	}
}

type Publisher interface {
	ImageStored(ctx context.Context, record models.ImageRecord) error
	Close()
}

type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

type NATSPublisher struct {
	nc      conn
	subject string
	log     zerolog.Logger
}

// Connect dials NATS. An empty URL yields a publisher that only logs.
func Connect(cfg config.NATSConfig, log zerolog.Logger) (Publisher, error) {
	log = log.With().Str("component", "events").Logger()
	if cfg.URL == "" {
		log.Info().Msg("nats url not configured, lineage events disabled")
		return Noop{}, nil
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("imagestudio"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	log.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("connected to nats")
	return newNATSPublisher(nc, cfg.Subject, log), nil
}

func newNATSPublisher(nc conn, subject string, log zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, subject: subject, log: log}
}

func (p *NATSPublisher) ImageStored(ctx context.Context, record models.ImageRecord) error {
	payload, err := json.Marshal(NewImageStored(record))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.nc.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", p.subject, err)
	}
	p.log.Debug().Str("image_id", record.ID).Str("subject", p.subject).Msg("image event published")
	return nil
}

func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.log.Warn().Err(err).Msg("nats drain")
	}
}

type Noop struct{}

func (Noop) ImageStored(context.Context, models.ImageRecord) error { return nil }
func (Noop) Close()                                                {}
