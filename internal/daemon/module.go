// Package daemon composes the sigd application with fx.
package daemon

import (
	"context"
	"strings"
	"time"

	"github.com/rfagundes/sigd/internal/bus"
	"github.com/rfagundes/sigd/internal/config"
	"github.com/rfagundes/sigd/internal/groups"
	"github.com/rfagundes/sigd/internal/lock"
	"github.com/rfagundes/sigd/internal/logging"
	"github.com/rfagundes/sigd/internal/outbox"
	"github.com/rfagundes/sigd/internal/proc"
	"github.com/rfagundes/sigd/internal/rpc"
	"github.com/rfagundes/sigd/internal/session"
	"github.com/rfagundes/sigd/internal/signal"
	"github.com/rfagundes/sigd/internal/status"
	"github.com/rfagundes/sigd/internal/store"
	"github.com/rfagundes/sigd/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRegistry,
			provideRPCClient,
			provideQueue,
			provideSender,
			provideDecoder,
			provideTyping,
			provideGroupCache,
			provideSupervisor,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	account := p.Config.Account
	if err := session.EnsureDir(account); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(account), account)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring account lock", zap.String("account", p.Config.Account))
	l, err := lock.Acquire(session.Dir(p.Config.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Config.Account)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}

	// Chats named in config are registered up front so their first message
	// already reaches the handler.
	for _, identity := range p.Config.RegisteredChats {
		isGroup := !strings.HasPrefix(strings.TrimPrefix(identity, "signal:"), "+")
		if err := db.Register(identity, isGroup); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	logger.Info("store initialized", zap.String("path", dbPath),
		zap.Int("registered_chats", len(p.Config.RegisteredChats)))
	return db, nil
}

func provideRegistry(db *store.DB, logger *zap.Logger) *store.Registry {
	return store.NewRegistry(db, logger)
}

func provideRPCClient(logger *zap.Logger) *rpc.Client {
	return rpc.NewClient(logger)
}

func provideQueue(logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(outbox.DefaultCapacity, logger)
}

func provideSender(client *rpc.Client, machine *status.Machine, queue *outbox.Queue, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(client, machine, queue, b, logger)
}

func provideDecoder(p Params, registry *store.Registry, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) *signal.Decoder {
	attachmentsDir := p.Config.AttachmentsDir
	if attachmentsDir == "" {
		attachmentsDir = session.DefaultAttachmentsDir()
	}
	return signal.NewDecoder(signal.DecoderConfig{
		SelfNumber:       p.Config.Account,
		AssistantName:    p.Config.AssistantName,
		ActivationPhrase: p.Config.ActivationPhrase,
		AttachmentsDir:   attachmentsDir,
	}, registry, sender, b, logger)
}

func provideTyping(client *rpc.Client, machine *status.Machine, logger *zap.Logger) *typing.Controller {
	healthy := func() bool { return machine.Current() == status.Healthy }
	return typing.NewController(client, healthy, logger)
}

func provideGroupCache(p Params, client *rpc.Client, registry *store.Registry, b *bus.Bus, logger *zap.Logger) *groups.Cache {
	interval := time.Duration(p.Config.GroupRefreshMinutes) * time.Minute
	return groups.NewCache(client, registry, b, logger, interval)
}

func provideSupervisor(p Params, client *rpc.Client, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *proc.Supervisor {
	cfg := proc.Config{
		Bin:  p.Config.SignalCLIPath,
		Args: []string{"-a", p.Config.Account, "jsonRpc"},
	}
	return proc.NewSupervisor(cfg, client, machine, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *store.DB,
	client *rpc.Client,
	decoder *signal.Decoder,
	sender *outbox.Sender,
	typist *typing.Controller,
	cache *groups.Cache,
	supervisor *proc.Supervisor,
	logger *zap.Logger,
) {
	// Notifications flow transport -> decoder; wiring it here instead of in
	// a provider keeps the decoder free of a transport dependency.
	client.OnNotification(decoder.HandleNotification)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sender.Start()
			cache.Start()
			// Connect probes for up to two minutes; do not hold fx startup
			// hostage to a slow signal-cli.
			go func() {
				if err := supervisor.Connect(context.Background()); err != nil {
					logger.Error("transport connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			typist.StopAll()
			cache.Stop()
			sender.Stop()
			supervisor.Disconnect()
			if err := db.Close(); err != nil {
				logger.Warn("store close failed", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("lock release failed", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
