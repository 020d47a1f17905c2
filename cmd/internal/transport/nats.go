package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "chatsync/contracts/realtime/v1"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	natsDefaultStream        = "CHATSYNC_EVENTS"
	natsDefaultSubjectPrefix = "chatsync.events"
	natsSetupTimeout         = 5 * time.Second
)

// NATSOptions configures a NATSSource.
type NATSOptions struct {
	URL           string
	Stream        string
	SubjectPrefix string
	// MaxAge bounds stream retention when the stream is created here.
	MaxAge time.Duration
}

// NATSSource feeds channel events from a JetStream stream of realtime envelopes.
// Each channel has its own subject: <prefix>.<channel id>.
type NATSSource struct {
	log    *slog.Logger
	opts   NATSOptions
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

// NewNATSSource connects and ensures the stream exists.
func NewNATSSource(ctx context.Context, log *slog.Logger, opts NATSOptions) (*NATSSource, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if strings.TrimSpace(opts.URL) == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Stream == "" {
		opts.Stream = natsDefaultStream
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = natsDefaultSubjectPrefix
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}

	nc, err := nats.Connect(opts.URL, nats.Name("chatsync"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, natsSetupTimeout)
	defer cancel()

	stream, err := js.Stream(sctx, opts.Stream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err = js.CreateStream(sctx, jetstream.StreamConfig{
			Name:     opts.Stream,
			Subjects: []string{opts.SubjectPrefix + ".*"},
			MaxAge:   opts.MaxAge,
			Storage:  jetstream.FileStorage,
		})
		if err == nil {
			log.Info("nats.stream.created", "stream", opts.Stream)
		}
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream %s: %w", opts.Stream, err)
	}

	return &NATSSource{log: log, opts: opts, nc: nc, js: js, stream: stream}, nil
}

// Subject returns the subject carrying channelID events.
func Subject(prefix, channelID string) string {
	if prefix == "" {
		prefix = natsDefaultSubjectPrefix
	}
	return prefix + "." + channelID
}

// Subscribe consumes new events of channelID into sink until ctx is done or the returned stop is called.
// Only events published after the call are delivered; history comes from the fetcher.
func (s *NATSSource) Subscribe(ctx context.Context, channelID string, sink Sink) (stop func(), err error) {
	if strings.TrimSpace(channelID) == "" || strings.ContainsAny(channelID, ".*> ") {
		return nil, fmt.Errorf("invalid channel id %q", channelID)
	}

	cons, err := s.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{Subject(s.opts.SubjectPrefix, channelID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("consumer %s: %w", channelID, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		s.handle(ctx, channelID, msg.Data(), sink)
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", channelID, err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()

	s.log.Info("nats.subscribe", "channel_id", channelID, "stream", s.opts.Stream)
	return cc.Stop, nil
}

// Publish writes env to the subject of channelID.
func (s *NATSSource) Publish(ctx context.Context, channelID string, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := s.js.Publish(ctx, Subject(s.opts.SubjectPrefix, channelID), b); err != nil {
		return fmt.Errorf("publish %s: %w", channelID, err)
	}
	return nil
}

// Close drains the connection.
func (s *NATSSource) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
	}
}

// handle decodes one stream message. Undecodable or misrouted data is logged and dropped.
func (s *NATSSource) handle(ctx context.Context, channelID string, data []byte, sink Sink) {
	if err := deliverRaw(ctx, channelID, data, sink); err != nil {
		s.log.Info("nats.event.drop", "channel_id", channelID, "err", err)
	}
}

func deliverRaw(ctx context.Context, channelID string, data []byte, sink Sink) error {
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return DecodeError{Type: "envelope", Err: err}
	}
	ev, err := DecodeEvent(env)
	if err != nil {
		return err
	}
	if ev.ChannelID == "" {
		ev.ChannelID = channelID
	}
	if ev.ChannelID != channelID {
		return fmt.Errorf("event for %q on subject of %q", ev.ChannelID, channelID)
	}
	return sink.Deliver(ctx, ev)
}
