// Package app assembles the service roles of one helpdesk process.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/helpdesk/internal/api/http"
	"github.com/spec-kit/helpdesk/internal/api/http/handlers"
	"github.com/spec-kit/helpdesk/internal/api/responders"
	"github.com/spec-kit/helpdesk/internal/auth"
	"github.com/spec-kit/helpdesk/internal/broker"
	"github.com/spec-kit/helpdesk/internal/clock"
	"github.com/spec-kit/helpdesk/internal/config"
	"github.com/spec-kit/helpdesk/internal/contracts"
	"github.com/spec-kit/helpdesk/internal/events"
	"github.com/spec-kit/helpdesk/internal/idempotency"
	"github.com/spec-kit/helpdesk/internal/notification"
	"github.com/spec-kit/helpdesk/internal/observability"
	"github.com/spec-kit/helpdesk/internal/persistence"
	"github.com/spec-kit/helpdesk/internal/repository"
	"github.com/spec-kit/helpdesk/internal/rpc"
	"github.com/spec-kit/helpdesk/internal/worker"
	"github.com/spec-kit/helpdesk/internal/workflow"
)

// App owns every long lived resource of the process.
type App struct {
	cfg     *config.Config
	roles   []string
	logger  *zap.Logger
	metrics *observability.Metrics
	clock   clock.Clock

	postgres *persistence.Postgres
	redis    *persistence.Redis
	stores   stores
	hub      *broker.Hub
	clients  []*broker.Client

	http       *fiber.App
	routes     httptransport.RouteConfig
	background []func(ctx context.Context)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// stores are the repositories the roles read and write.
type stores struct {
	tickets       repository.TicketRepository
	statuses      repository.StatusRepository
	users         repository.UserRepository
	notifications repository.NotificationRepository
}

func postgresStores(pool *pgxpool.Pool) stores {
	return stores{
		tickets:       repository.NewTicketRepository(pool),
		statuses:      repository.NewStatusRepository(pool),
		users:         repository.NewUserRepository(pool),
		notifications: repository.NewNotificationRepository(pool),
	}
}

func newApp(cfg *config.Config, roles []string, logger *zap.Logger) *App {
	return &App{
		cfg:     cfg,
		roles:   roles,
		logger:  logger,
		metrics: observability.NewMetrics(strings.Join(roles, "+")),
		clock:   clock.Real(),
		hub:     broker.NewHub(),
	}
}

// New connects storage and declares every broker topic for roles. Nothing
// is consumed until Start.
func New(ctx context.Context, cfg *config.Config, roles []string, logger *zap.Logger) (*App, error) {
	a := newApp(cfg, roles, logger)

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if pg.PoolHandle() == nil {
		return nil, errors.New("POSTGRES_DSN is required")
	}
	a.postgres = pg
	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			pg.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	a.redis = persistence.NewRedis(cfg.Redis, logger)
	if err := a.assemble(postgresStores(pg.PoolHandle())); err != nil {
		return nil, err
	}
	return a, nil
}

// assemble declares the topics, workflows and routes of every role on top
// of st.
func (a *App) assemble(st stores) error {
	cfg, logger := a.cfg, a.logger
	a.stores = st

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTLMinutes)
	a.routes.AuthMiddleware = auth.NewAuthMiddleware(tokens)
	a.routes.StaffRoleIDs = cfg.Auth.StaffRoleIDs
	a.routes.Metrics = a.metrics.Handler()

	for _, role := range a.roles {
		var err error
		switch role {
		case contracts.ServiceTicket:
			err = a.buildTicket()
		case contracts.ServiceStatus:
			err = a.buildStatus()
		case contracts.ServiceUser:
			err = a.buildUser()
		case contracts.ServiceNotification:
			err = a.buildNotification()
		default:
			err = fmt.Errorf("unknown role %q", role)
		}
		if err != nil {
			a.release(context.Background())
			return fmt.Errorf("build %s: %w", role, err)
		}
		logger.Info("role assembled", zap.String("role", role))
	}

	a.routes.Health = handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, a.healthChecks()...)
	a.http = fiber.New(fiber.Config{AppName: cfg.App.Name, DisableStartupMessage: true})
	httptransport.RegisterMiddlewares(a.http, logger, a.metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(a.http, a.routes)
	return nil
}

// client builds one broker client. Each client gets its own transport so
// kafka readers and writers are never shared between remotes.
func (a *App) client(role, service string) (*broker.Client, error) {
	clientID := fmt.Sprintf("%s-%s-%s", a.cfg.App.InstanceID, role, service)
	transport, err := broker.NewTransport(a.cfg.Broker, clientID, a.hub, a.logger)
	if err != nil {
		return nil, err
	}
	c := broker.NewClient(broker.ClientConfig{
		Service:        service,
		MaxAttempts:    a.cfg.Broker.ConnectMaxAttempts,
		InitialBackoff: a.cfg.Broker.ConnectBackoff(),
		MaxBackoff:     a.cfg.Broker.ConnectMaxBackoff(),
		Lanes:          a.cfg.Broker.DispatchLanes,
		MaxInflight:    a.cfg.Broker.MaxInflightRequests,
	}, transport, a.logger.With(zap.String("role", role)), a.metrics)
	a.clients = append(a.clients, c)
	return c, nil
}

// gateway wires a correlation registry and the listed routes for role.
func (a *App) gateway(role string, routes map[string][]string) (*rpc.Gateway, map[string]*broker.Client, error) {
	services := make([]string, 0, len(routes))
	for service := range routes {
		services = append(services, service)
	}
	sort.Strings(services)

	clients := make(map[string]*broker.Client, len(routes))
	rpcRoutes := make([]rpc.Route, 0, len(routes))
	for _, service := range services {
		c, err := a.client(role, service)
		if err != nil {
			return nil, nil, err
		}
		clients[service] = c
		rpcRoutes = append(rpcRoutes, rpc.Route{Client: c, Topics: routes[service]})
	}

	registry := rpc.NewRegistry(a.clock, a.logger, a.metrics)
	gw, err := rpc.NewGateway(rpc.GatewayConfig{
		Origin:         role,
		InstanceID:     a.cfg.App.InstanceID + "-" + role,
		DefaultTimeout: a.cfg.RPC.DefaultTimeout(),
	}, registry, a.logger, a.metrics, rpcRoutes...)
	if err != nil {
		return nil, nil, err
	}
	return gw, clients, nil
}

func (a *App) buildTicket() error {
	role := contracts.ServiceTicket
	gw, clients, err := a.gateway(role, map[string][]string{
		contracts.ServiceTicket: {contracts.TopicTicketGet},
		contracts.ServiceStatus: {contracts.TopicStatusGet},
		contracts.ServiceUser:   {contracts.TopicUserLookup},
	})
	if err != nil {
		return err
	}

	subscribers := map[string]bool{}
	for _, list := range [][]string{a.cfg.Events.CreatedSubscribers, a.cfg.Events.StatusChangedSubscribers, a.cfg.Events.AssignedSubscribers} {
		for _, name := range list {
			subscribers[name] = true
		}
	}
	outbound := make([]*broker.Client, 0, len(subscribers))
	for name := range subscribers {
		c, err := a.client(role, name)
		if err != nil {
			return err
		}
		outbound = append(outbound, c)
	}
	publisher := events.NewFanoutPublisher(role, a.cfg.Events.PublishTimeout(), a.clock, a.logger, a.metrics, outbound...)

	tickets := a.stores.tickets
	orch := workflow.New(workflow.Config{
		CallTimeout:              a.cfg.RPC.DefaultTimeout(),
		CreatedSubscribers:       a.cfg.Events.CreatedSubscribers,
		StatusChangedSubscribers: a.cfg.Events.StatusChangedSubscribers,
		AssignedSubscribers:      a.cfg.Events.AssignedSubscribers,
	}, workflow.Dependencies{
		Caller:    gw,
		Tickets:   tickets,
		Publisher: publisher,
		Clock:     a.clock,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})

	server := rpc.NewServer(role, clients[contracts.ServiceTicket], a.logger)
	if err := responders.NewTicketResponder(tickets, orch).Register(server); err != nil {
		return err
	}
	a.routes.Tickets = handlers.NewTicketsHandler(orch)
	return nil
}

func (a *App) buildStatus() error {
	self, err := a.client(contracts.ServiceStatus, contracts.ServiceStatus)
	if err != nil {
		return err
	}
	server := rpc.NewServer(contracts.ServiceStatus, self, a.logger)
	return responders.NewStatusResponder(a.stores.statuses).Register(server)
}

func (a *App) buildUser() error {
	self, err := a.client(contracts.ServiceUser, contracts.ServiceUser)
	if err != nil {
		return err
	}
	server := rpc.NewServer(contracts.ServiceUser, self, a.logger)
	return responders.NewUserResponder(a.stores.users).Register(server)
}

func (a *App) buildNotification() error {
	role := contracts.ServiceNotification
	gw, _, err := a.gateway(role, map[string][]string{
		contracts.ServiceTicket: {contracts.TopicTicketGet},
		contracts.ServiceStatus: {contracts.TopicStatusGet},
		contracts.ServiceUser:   {contracts.TopicUserLookup, contracts.TopicUserSupporters},
	})
	if err != nil {
		return err
	}
	inbound, err := a.client(role, role)
	if err != nil {
		return err
	}

	var guard idempotency.Guard = idempotency.NewMemoryGuard(a.clock)
	if handle := a.redis.Handle(); handle != nil {
		guard = idempotency.NewRedisGuard(handle, a.cfg.App.Name+":")
	}
	router := events.NewRouter(role, a.logger,
		events.WithGuard(guard, a.cfg.Redis.DedupTTL()),
		events.WithRetry(a.cfg.Events.HandlerMaxAttempts, a.cfg.Events.HandlerBackoff(), a.cfg.Events.HandlerMaxBackoff()))

	notifications := a.stores.notifications
	svc := notification.NewNotificationService(notification.Config{
		SupporterRoleIDs: a.cfg.Notification.SupporterRoleIDs,
		CallTimeout:      a.cfg.RPC.DefaultTimeout(),
	}, notification.Dependencies{
		Caller:        gw,
		Notifications: notifications,
		Mailer:        notification.NewMailer(a.cfg.Notification, a.logger),
		Logger:        a.logger,
		Metrics:       a.metrics,
	})
	svc.RegisterHandlers(router)
	if err := router.Bind(inbound); err != nil {
		return err
	}

	retry := worker.NewEmailRetryWorker(worker.EmailRetryConfig{
		Interval:    time.Duration(a.cfg.Worker.EmailRetryIntervalSeconds) * time.Second,
		BatchSize:   a.cfg.Worker.EmailRetryBatchSize,
		MaxAttempts: a.cfg.Worker.EmailMaxAttempts,
	}, notifications, svc, a.clock, a.logger)
	a.background = append(a.background, retry.Run)
	a.routes.Notifications = handlers.NewNotificationsHandler(svc)
	return nil
}

func (a *App) healthChecks() []handlers.Check {
	var checks []handlers.Check
	if a.postgres != nil {
		checks = append(checks, handlers.Check{Name: "postgres", Probe: a.postgres.Ping})
	}
	if a.redis.Handle() != nil {
		checks = append(checks, handlers.Check{Name: "redis", Probe: a.redis.Ping})
	}
	checks = append(checks, handlers.Check{Name: "broker", Probe: func(context.Context) error {
		var down []string
		for _, c := range a.clients {
			if !c.Connected() {
				down = append(down, c.Service())
			}
		}
		if len(down) > 0 {
			return fmt.Errorf("not connected: %s", strings.Join(down, ", "))
		}
		return nil
	}})
	return checks
}

// Start connects every broker client, launches the background loops and
// begins serving HTTP. It returns once the clients are connected.
func (a *App) Start(ctx context.Context) error {
	if err := a.connect(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	for _, run := range a.background {
		a.wg.Add(1)
		go func(run func(context.Context)) {
			defer a.wg.Done()
			run(runCtx)
		}(run)
	}

	go func() {
		if err := a.http.Listen(a.cfg.App.Addr()); err != nil {
			a.logger.Error("fiber listen", zap.Error(err))
		}
	}()
	a.logger.Info("helpdesk started",
		zap.Strings("roles", a.roles),
		zap.String("addr", a.cfg.App.Addr()),
		zap.String("broker", a.cfg.Broker.Driver))
	return nil
}

func (a *App) connect(ctx context.Context) error {
	for _, c := range a.clients {
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s client: %w", c.Service(), err)
		}
	}
	return nil
}

// Shutdown stops HTTP first, then the broker clients, then the pools.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.http != nil {
		if err := a.http.ShutdownWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	errs = append(errs, a.release(ctx)...)
	return errors.Join(errs...)
}

func (a *App) release(ctx context.Context) []error {
	var errs []error
	for _, c := range a.clients {
		if err := c.Close(ctx); err != nil && !errors.Is(err, broker.ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s client: %w", c.Service(), err))
		}
	}
	a.redis.Close()
	a.postgres.Close()
	return errs
}
