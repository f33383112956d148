package app

import (
	"context"
	"strconv"
	"time"

	"github.com/appetiteclub/kds/internal/events"
	kdsmongo "github.com/appetiteclub/kds/internal/mongo"
	"github.com/appetiteclub/kds/internal/routing"
	"github.com/appetiteclub/kds/pkg"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/aquamarinepk/aqm"
	aqmevents "github.com/aquamarinepk/aqm/events"
	"github.com/aquamarinepk/aqm/middleware"
)

const (
	AppName    = "kds"
	AppVersion = "0.1.0"
)

// App encapsulates the KDS routing service application
type App struct {
	config *aqm.Config
	logger aqm.Logger
	micro  *aqm.Micro
	repo   *kdsmongo.RoutingRepo
}

// New creates a new KDS routing service application
func New(config *aqm.Config, logger aqm.Logger) (*App, error) {
	return &App{
		config: config,
		logger: logger,
	}, nil
}

// Initialize sets up all dependencies and components
func (a *App) Initialize(ctx context.Context) error {
	a.repo = kdsmongo.NewRoutingRepo(a.config, a.logger)

	natsURL, _ := a.config.GetString("nats.url")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	var orderSubscriber aqmevents.Subscriber
	var publisher aqmevents.Publisher
	var closers []func() error

	streamEnabled, _ := a.config.GetString("routing.stream.enabled")
	if streamEnabled == "true" {
		// Durable consumer on the order feed so redeliveries survive restarts
		orderStream, err := pkg.NewNATSStream(pkg.NATSStreamConfig{
			URL:          natsURL,
			StreamName:   "ORDER_EVENTS",
			Topic:        event.OrderEventsTopic,
			ConsumerName: "kds-routing",
			MaxAge:       24 * time.Hour,
		})
		if err != nil {
			return err
		}
		orderSubscriber = orderStream
		closers = append(closers, orderStream.Close)
		a.logger.Info("NATS stream initialized for order feed replay")
	} else {
		sub, err := pkg.NewNATSSubscriber(natsURL)
		if err != nil {
			return err
		}
		orderSubscriber = sub
		closers = append(closers, sub.Close)
	}

	pub, err := pkg.NewNATSPublisher(natsURL)
	if err != nil {
		return err
	}
	publisher = pub
	closers = append(closers, pub.Close)

	registry := routing.NewStationRegistry()
	routing.SeedStations(registry)

	router := routing.NewRouter(registry, a.logger)
	broker := routing.NewBroker(a.intConfig("routing.backlog", routing.DefaultBacklog), a.logger)
	projection := routing.NewProjection(registry, broker, publisher, float64(a.intConfig("routing.decay.seconds", routing.DefaultDecaySeconds)), a.logger)

	ingestor := routing.NewIngestor(a.repo, a.repo, router, registry, projection, publisher, a.logger)
	if ms := a.intConfig("routing.lock.timeout.ms", 0); ms > 0 {
		ingestor.SetLockTimeout(time.Duration(ms) * time.Millisecond)
	}

	service := routing.NewService(a.repo, projection, publisher, a.logger)
	subscriber := events.NewOrderEventSubscriber(orderSubscriber, ingestor, a.logger)
	handler := routing.NewHandler(service, a.repo, a.repo, projection, registry, a.config, a.logger)

	stack := middleware.DefaultStack(middleware.StackOptions{
		Logger:      a.logger,
		DisableCORS: true,
	})
	stack = append(stack, middleware.InternalOnly())

	lifecycles := []interface{}{a.repo}

	// Warm the projection after the repo is connected but before the
	// subscriber starts feeding it live deltas.
	lifecycles = append(lifecycles, aqm.LifecycleHooks{
		OnStart: func(ctx context.Context) error {
			return projection.Warm(ctx, a.repo)
		},
	})

	lifecycles = append(lifecycles, subscriber)

	for _, closeFn := range closers {
		fn := closeFn
		lifecycles = append(lifecycles, aqm.LifecycleHooks{
			OnStop: func(context.Context) error { return fn() },
		})
	}

	options := []aqm.Option{
		aqm.WithConfig(a.config),
		aqm.WithLogger(a.logger),
		aqm.WithHTTPMiddleware(stack...),
		aqm.WithHTTPServerModules("web.port", handler),
		aqm.WithLifecycle(lifecycles...),
		aqm.WithHealthChecks(AppName),
	}

	a.micro = aqm.NewMicro(options...)
	return nil
}

func (a *App) intConfig(key string, fallback int) int {
	raw, _ := a.config.GetString(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		a.logger.Errorf("Invalid %s value %q, using %d", key, raw, fallback)
		return fallback
	}
	return v
}

// Run starts the application
func (a *App) Run(ctx context.Context) error {
	a.logger.Infof("Starting %s(%s)", AppName, AppVersion)
	if err := a.micro.Run(ctx); err != nil {
		return err
	}
	a.logger.Infof("%s(%s) stopped", AppName, AppVersion)
	return nil
}
