package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cognianchor/cognianchor/pkg/agent"
	"github.com/cognianchor/cognianchor/pkg/bus"
	"github.com/cognianchor/cognianchor/pkg/channels"
	"github.com/cognianchor/cognianchor/pkg/config"
	"github.com/cognianchor/cognianchor/pkg/logger"
	"github.com/cognianchor/cognianchor/pkg/memory"
	"github.com/cognianchor/cognianchor/pkg/providers"
	"github.com/cognianchor/cognianchor/pkg/store"
	"github.com/cognianchor/cognianchor/pkg/tools"
	"github.com/cognianchor/cognianchor/pkg/transcribe"
)

// app holds the components shared by the agent and gateway commands.
type app struct {
	cfg         *config.Config
	sqlite      *store.SQLite
	db          *store.Client
	bus         *bus.MessageBus
	registry    *tools.ToolRegistry
	transcriber *transcribe.Service
	agent       *agent.Agent
}

func openStore(cfg *config.Config) (*store.SQLite, *store.Client, error) {
	path := cfg.StorePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create store dir: %w", err)
	}
	sqlite, err := store.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return sqlite, store.NewClient(sqlite), nil
}

// newApp wires storage, tools, the model gateway and the agent. Alerts go
// to the caregiver channel when Discord has one configured.
func newApp(cfg *config.Config) (*app, error) {
	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	sqlite, db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, sqlite: sqlite, db: db, bus: bus.NewMessageBus()}
	loc := cfg.Location()

	notifier := channels.NewCaregiverNotifier(a.bus, "discord", cfg.Channels.Discord.CaregiverChannelID, loc)
	a.registry, err = tools.NewDefaultRegistry(db, notifier, nil, loc)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	prompt := agent.NewContextBuilder(a.registry, nil, loc)
	gateway, err := agent.NewGateway(provider, prompt, a.registry, agent.GatewayOptions{
		Model:       cfg.Agent.Model,
		MaxTokens:   cfg.Agent.MaxTokens,
		Temperature: cfg.Agent.Temperature,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	loop := agent.NewLoop(gateway, a.registry, agent.LoopConfig{
		MaxRounds:    cfg.Agent.MaxRounds,
		RoundTimeout: cfg.RoundTimeout(),
	})

	opts := []agent.Option{
		agent.WithBus(a.bus),
		agent.WithPairResolver(cfg.PairFor),
	}
	a.transcriber, err = transcribe.NewFromConfig(cfg.Transcribe)
	if err != nil {
		logger.WarnCF("main", "Voice input disabled", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		opts = append(opts, agent.WithTranscriber(a.transcriber))
	}

	a.agent = agent.NewAgent(loop, memory.NewStore(cfg.Memory.Capacity), opts...)

	logger.InfoCF("main", "Assistant initialized", map[string]interface{}{
		"provider":    providers.ActiveProviderName(cfg),
		"model":       gateway.Model(),
		"tools_count": a.registry.Count(),
		"store":       cfg.StorePath(),
	})
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.bus != nil {
		a.bus.Close()
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
