package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/slowpoke/go/internal/config"
	"github.com/mcdev12/slowpoke/go/internal/game"
	"github.com/mcdev12/slowpoke/go/internal/gateway"
	"github.com/mcdev12/slowpoke/go/internal/publisher"
)

type Services struct {
	Reactor   *game.Reactor
	Gateway   *gateway.Service
	Publisher *publisher.JetStreamPublisher
}

func setupServices(ctx context.Context, cfg config.Config) (*Services, error) {
	services := &Services{}
	sinks := game.MultiSink{game.NewStdoutSink(os.Stdout)}

	// Optional: JetStream event stream
	if cfg.NATSURL != "" {
		pubCfg := publisher.DefaultJetStreamConfig()
		pubCfg.URL = cfg.NATSURL
		pub, err := publisher.NewJetStreamPublisher(ctx, pubCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		services.Publisher = pub
		sinks = append(sinks, pub)
	}

	// Optional: spectator feed and stats over HTTP
	if cfg.AdminPort != "" {
		services.Gateway = gateway.NewService(gateway.DefaultConfig(), gateway.StatsFunc(
			func(ctx context.Context) (game.Stats, error) {
				return services.Reactor.Stats(ctx)
			}))
		sinks = append(sinks, services.Gateway.Sink())
	}

	state := game.NewState(game.Settings{
		DelayBound:    cfg.MaxDelaySeconds,
		ResetInterval: cfg.ResetInterval(),
		DebugQuit:     cfg.DebugQuit,
	}, clockwork.NewRealClock(), game.NewRandomSource(), sinks)
	services.Reactor = game.NewReactor(state)

	return services, nil
}

func (s *Services) Close() {
	if s.Publisher != nil {
		s.Publisher.Close()
	}
}
