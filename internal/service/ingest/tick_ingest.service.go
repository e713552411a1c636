package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/constant"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// TickSink receives every decoded tick for caching.
type TickSink interface {
	Append(ctx context.Context, point entity.TickPoint) error
}

// LivenessRecorder observes provider traffic for connection health tracking.
type LivenessRecorder interface {
	MarkActive(provider string)
}

// Broadcaster fans one tick out to every subscriber of its symbol.
type Broadcaster interface {
	Broadcast(symbol string, payload any)
}

// TickIngestService consumes the ticks jetstream and drives the hot path:
// mark the provider alive, cache the point, fan out to subscribers.
type TickIngestService struct {
	js       nats.JetStreamContext
	cache    TickSink
	upstream LivenessRecorder
	registry Broadcaster
}

func NewTickIngestService(js nats.JetStreamContext, cache TickSink, upstream LivenessRecorder, registry Broadcaster) *TickIngestService {
	return &TickIngestService{
		js:       js,
		cache:    cache,
		upstream: upstream,
		registry: registry,
	}
}

func (s *TickIngestService) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.TickStreamName,
		Subjects:  []string{constant.TickStreamSubjectAll},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
	}

	stream, err := s.js.StreamInfo(constant.TickStreamName, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.TickStreamName)
		_, err = s.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.TickStreamName)
	_, err = s.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	return nil
}

func (s *TickIngestService) JetstreamEventSubscribe(ctx context.Context) error {
	err := s.JetstreamEventInit(ctx)
	if err != nil {
		logrus.Error(err)
		return err
	}

	_, err = s.js.QueueSubscribe(
		constant.TickStreamSubjectAll,
		constant.TickQueueGroup,
		func(msg *nats.Msg) {
			err := util.ProcessWithTimeout(config.Env.NatsJetstream.TimeoutHandler["tick"], msg, s.handleTickEvent)
			if err != nil {
				logrus.Errorf("error processing message: %v", err)
				return
			}

			err = msg.Ack()
			if err != nil {
				logrus.Errorf("failed to acknowledge message: %v", err)
				return
			}
		},
		nats.ManualAck(),
		nats.Durable(constant.TickQueueGroup),
	)
	util.ContinueOrFatal(err)

	return nil
}

func (s *TickIngestService) handleTickEvent(ctx context.Context, msg *nats.Msg) error {
	var event entity.TickEvent
	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		logrus.WithField("req", string(msg.Data)).Error(err)
		return err
	}

	if event.Symbol == "" || event.Timestamp <= 0 {
		logrus.WithField("req", string(msg.Data)).Warn("dropping malformed tick event")
		return nil
	}

	s.upstream.MarkActive(event.Provider)

	point := entity.TickPoint{
		ID:        msg.Header.Get(nats.MsgIdHdr),
		Symbol:    event.Symbol,
		Timestamp: event.Timestamp,
		Price:     event.Price,
		Payload:   event.Payload,
	}
	if err := s.cache.Append(ctx, point); err != nil {
		logrus.WithField("symbol", event.Symbol).Error(err)
		return err
	}

	s.registry.Broadcast(event.Symbol, entity.TickMessage{
		Type:   entity.MessageTypeTick,
		Symbol: event.Symbol,
		Data:   event,
	})

	return nil
}
