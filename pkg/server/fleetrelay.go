package server

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/middleware"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/fleetrelay/fleetrelay/pkg/configstore"
	"github.com/fleetrelay/fleetrelay/pkg/link"
	"github.com/fleetrelay/fleetrelay/pkg/registry"
	"github.com/fleetrelay/fleetrelay/pkg/services/relay"
	"github.com/fleetrelay/fleetrelay/pkg/services/status"
	storagesvc "github.com/fleetrelay/fleetrelay/pkg/services/storage"
	"github.com/fleetrelay/fleetrelay/pkg/storage"
	"github.com/fleetrelay/fleetrelay/pkg/wire"
)

func initLogger(logFormat string, logLevel dslog.Level) log.Logger {
	l := dslog.NewGoKitWithWriter(logFormat, os.Stderr)
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))

	// Must put the level filter last for efficiency.
	return level.NewFilter(l, logLevel.Option)
}

func levelOption(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// The various modules that make up the relay master
const (
	All           = "all"
	Storage       = "storage"
	Relay         = "relay"
	Hub           = "hub"
	Status        = "status"
	ServerService = "server"
)

type FleetRelay struct {
	logger *slog.Logger
	cfg    Config

	mm   *modules.Manager
	deps map[string][]string

	reg       registry.Registry
	fleetCfg  *configstore.Store
	store     storage.KVBroker
	healthKV  storage.KeyValue[wire.HealthPacket]
	telemetry storage.KeyValue[wire.TelemetryPacket]
	relayCore *relay.Relay
	hubLink   *link.HubLink

	serviceMap map[string]services.Service
	server     *server.Server
	serverConf server.Config
}

func New(cfg Config) (*FleetRelay, error) {
	l := slog.Default()
	f := &FleetRelay{
		logger:   l,
		cfg:      cfg,
		reg:      registry.New(),
		fleetCfg: configstore.New(l.With("component", "configstore"), cfg.FleetConfigFile),
	}

	conf := server.Config{
		HTTPListenAddress:             cfg.HTTPListenAddress,
		HTTPListenPort:                cfg.HTTPListenPort,
		DoNotAddDefaultHTTPMiddleware: true,
		LogFormat:                     dslog.LogfmtFormat,
		LogLevel: dslog.Level{
			Option: levelOption(cfg.LogLevel),
		},
	}
	conf.Log = initLogger(conf.LogFormat, conf.LogLevel)

	srv, err := server.New(conf)
	if err != nil {
		return nil, err
	}
	f.server = srv
	f.serverConf = conf

	if err := f.setupModuleManager(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FleetRelay) setupModuleManager() error {
	mm := modules.NewManager(f.serverConf.Log)
	mm.RegisterModule(All, nil)

	mm.RegisterModule(Storage, func() (services.Service, error) {
		storeSvc, err := storagesvc.NewStorageService(
			f.logger.With("service", Storage),
			f.cfg.StoragePath,
		)
		if err != nil {
			return nil, err
		}
		f.store = storeSvc
		f.healthKV = storage.NewJSONKV[wire.HealthPacket](
			f.logger.With("store", "agent-health"),
			f.store.KeyValue("agent-health"),
		)
		f.telemetry = storage.NewJSONKV[wire.TelemetryPacket](
			f.logger.With("store", "agent-telemetry"),
			f.store.KeyValue("agent-telemetry"),
		)
		return storeSvc, nil
	}, modules.UserInvisibleModule)

	mm.RegisterModule(Relay, func() (services.Service, error) {
		f.relayCore = relay.New(
			f.logger.With("service", Relay),
			f.reg,
			f.fleetCfg,
			f.healthKV,
			f.telemetry,
		)
		f.hubLink = link.NewHubLink(
			f.logger.With("component", "hublink"),
			f.cfg.HubURL,
			f.relayCore.HubCallbacks(),
		)
		f.relayCore.SetUpstream(f.hubLink)
		f.relayCore.ConfigureHTTP(f.server.HTTP)
		return f.relayCore, nil
	})

	mm.RegisterModule(Hub, func() (services.Service, error) {
		return services.NewBasicService(nil, func(ctx context.Context) error {
			return f.hubLink.Run(ctx)
		}, nil), nil
	})

	mm.RegisterModule(Status, func() (services.Service, error) {
		srv := status.NewStatusServer(
			f.logger.With("service", Status),
			f.reg,
			f.healthKV,
			f.telemetry,
		)
		srv.ConfigureHTTP(f.server.HTTP)
		return srv, nil
	})

	mm.RegisterModule(ServerService, func() (services.Service, error) {
		servicesToWaitFor := func() []services.Service {
			svs := []services.Service(nil)
			for m, s := range f.serviceMap {
				// Server should not wait for itself.
				if m != ServerService {
					svs = append(svs, s)
				}
			}
			return svs
		}
		defaultHTTPMiddleware := []middleware.Interface{}
		f.server.HTTPServer.Handler = middleware.Merge(defaultHTTPMiddleware...).Wrap(f.server.HTTP)
		s := f.newServerService(servicesToWaitFor)
		corsHandler := cors.New(cors.Options{
			AllowedOrigins:   []string{"http://localhost:5173"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(f.server.HTTPServer.Handler)
		f.server.HTTPServer.Handler = h2c.NewHandler(corsHandler, &http2.Server{})
		return s, nil
	}, modules.UserInvisibleModule)

	deps := map[string][]string{
		All:           {ServerService},
		ServerService: {Relay, Hub, Status},
		Status:        {Relay},
		Hub:           {Relay},
		Relay:         {Storage},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	f.mm = mm
	f.deps = deps
	allDeps := f.mm.DependenciesForModule(All)
	for _, m := range f.mm.UserVisibleModuleNames() {
		ix := sort.SearchStrings(allDeps, m)
		included := ix < len(allDeps) && allDeps[ix] == m

		if included {
			fmt.Fprintln(os.Stdout, m, "*")
		} else {
			fmt.Fprintln(os.Stdout, m)
		}
	}

	fmt.Fprintln(os.Stdout)
	fmt.Fprintln(os.Stdout, "Modules marked with * are included in target All.")
	return nil
}

func (f *FleetRelay) Run(ctx context.Context) error {
	svcMap, err := f.mm.InitModuleServices(All)
	if err != nil {
		return err
	}
	f.serviceMap = svcMap

	mgr, err := services.NewManager(slices.Collect(maps.Values(svcMap))...)
	if err != nil {
		f.logger.With("err", err).Error("failed to start service manager")
		return err
	}

	servicesFailed := func(service services.Service) {
		mgr.StopAsync()

		for m, s := range svcMap {
			if s == service {
				if service.FailureCase() == modules.ErrStopProcess {
					f.logger.With(
						"module", m,
					).With(
						"error", service.FailureCase(),
					).Info("received stop signal via return error")
				} else {
					f.logger.With(
						"module", m,
					).With(
						"error", service.FailureCase(),
					).Error("module failed")
				}
				return
			}
		}
		f.logger.With("module", "unknown").With("error", service.FailureCase()).Error("module failed")
	}

	mgr.AddListener(services.NewManagerListener(
		func() {},
		func() {},
		servicesFailed,
	))

	handler := signals.NewHandler(f.serverConf.Log)
	go func() {
		handler.Loop()
		mgr.StopAsync()
	}()
	printRoutes(f.server.HTTP, f.logger)
	var stopErr error
	if err := mgr.StartAsync(ctx); err == nil {
		stopErr = mgr.AwaitStopped(ctx)
	}

	if stopErr != nil {
		return stopErr
	}

	if failed := mgr.ServicesByState()[services.Failed]; len(failed) > 0 {
		for _, svc := range failed {
			if svc.FailureCase() != modules.ErrStopProcess {
				// Details were reported via failure listener before
				return fmt.Errorf("services failed")
			}
		}
	}
	return nil
}

// newServerService constructs service from Server component.
// servicesToWaitFor is called when server is stopping, and should return all
// services that need to terminate before server actually stops.
// Passed server should not react on signals. Early return from Run function is considered to be an error.
func (f *FleetRelay) newServerService(servicesToWaitFor func() []services.Service) services.Service {
	l := f.logger.With("service", "server")
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			rl := l
			if f.serverConf.HTTPListenAddress != "" {
				rl = rl.With("http-addr", fmt.Sprintf("%s:%d", f.serverConf.HTTPListenAddress, f.serverConf.HTTPListenPort))
			}
			rl.Info("running")
			serverDone <- f.server.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return fmt.Errorf("server stopped unexpectedly: %w", err)
			}
			return nil
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		// shutdown HTTP server (this also unblocks Run)
		f.server.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		l.Info("server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}
