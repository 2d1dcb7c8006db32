package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/idflow/internal/directory"
	"github.com/drblury/idflow/internal/runtime/clock"
	configpkg "github.com/drblury/idflow/internal/runtime/config"
	errspkg "github.com/drblury/idflow/internal/runtime/errors"
	"github.com/drblury/idflow/internal/runtime/identity"
	loggingpkg "github.com/drblury/idflow/internal/runtime/logging"
	transportpkg "github.com/drblury/idflow/internal/runtime/transport"
	"github.com/drblury/idflow/transport"
)

const httpShutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults.
type ServiceDependencies struct {
	// Directory enables the Responder. Services that only verify leave it nil.
	Directory        directory.Directory
	TransportFactory transportpkg.Factory
	Clock            clock.Clock
	// Registerer receives the metrics when they are enabled. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer  prometheus.Registerer
	Middlewares []message.HandlerMiddleware // Run inside the default responder chain.
}

// Service hosts the transport, the shared publisher, the waiter and verifier,
// and the Responder when a Directory is configured.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transportpkg.Transport
	capabilities transport.Capabilities
	publisher    *RequestPublisher
	metrics      *Metrics
	waiter       *Waiter
	verifier     *Verifier
	responder    *Responder

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewService is TryNewService that panics on error.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := TryNewService(ctx, conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService validates conf and builds every component. A transport that
// cannot be built aborts startup.
func TryNewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	normalized := conf.WithDefaults()
	conf = &normalized

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating idflow service",
		loggingpkg.LogFields{
			"pubsub_system": conf.PubSubSystem,
			"config":        conf.String(),
		})

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	s := &Service{
		Conf:         conf,
		Logger:       log,
		transport:    tr,
		capabilities: transport.GetCapabilities(conf.PubSubSystem),
	}
	if err := s.wire(deps); err != nil {
		_ = tr.Close()
		return nil, err
	}
	s.logCapabilities()
	return s, nil
}

func (s *Service) wire(deps ServiceDependencies) error {
	publisher := s.transport.Publisher
	if s.Conf.MetricsEnabled {
		registerer := deps.Registerer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		s.metrics = NewMetrics(registerer)
		if err := s.metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}

		builder := wmmetrics.NewPrometheusMetricsBuilder(registerer, "idflow", metricSubsystem(s.Conf.PubSubSystem))
		decorated, err := builder.DecoratePublisher(publisher)
		if err != nil {
			return fmt.Errorf("decorate publisher: %w", err)
		}
		publisher = decorated

		if s.Conf.MetricsPort > 0 {
			s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", metricsHandler(registerer))
		}
	}

	var err error
	if s.publisher, err = NewRequestPublisher(publisher); err != nil {
		return err
	}

	s.waiter, err = NewWaiter(WaiterConfig{
		Scope:       s.transport.Scoped,
		ScopePrefix: s.Conf.ScopePrefix,
		Clock:       deps.Clock,
		Logger:      s.Logger.With(loggingpkg.LogFields{"component": "waiter"}),
		Metrics:     s.metrics,
	})
	if err != nil {
		return err
	}

	s.verifier, err = NewVerifier(VerifierConfig{
		Waiter:        s.waiter,
		Publisher:     s.publisher,
		RequestTopic:  s.Conf.RequestTopic,
		ResponseTopic: s.Conf.ResponseTopic,
		Timeout:       s.Conf.ResponseTimeout,
	})
	if err != nil {
		return err
	}

	if deps.Directory == nil {
		return nil
	}
	s.responder, err = NewResponder(ResponderConfig{
		Subscriber:           s.transport.Subscriber,
		Publisher:            publisher,
		Directory:            deps.Directory,
		RequestTopic:         s.Conf.RequestTopic,
		ResponseTopic:        s.Conf.ResponseTopic,
		PublishAttempts:      s.Conf.PublishAttempts,
		RetryInitialInterval: s.Conf.RetryInitialInterval,
		RetryMaxInterval:     s.Conf.RetryMaxInterval,
		HandleTimeout:        s.Conf.HandleTimeout,
		LookupRetries:        s.Conf.LookupRetries,
		Middlewares:          deps.Middlewares,
		Logger:               s.Logger,
		Metrics:              s.metrics,
	})
	return err
}

func (s *Service) logCapabilities() {
	caps := s.capabilities
	s.Logger.Info("Transport ready", loggingpkg.LogFields{
		"transport":         caps.Name,
		"reliable_delivery": caps.SupportsReliableDelivery(),
		"consumer_groups":   caps.SupportsConsumerGroups,
		"scoped_replay":     caps.ScopedReplay,
		"scoped_cleanup":    caps.ScopedCleanup,
		"responder":         s.responder != nil,
	})
	if s.responder != nil && !caps.SupportsConsumerGroups {
		s.Logger.Info("Transport has no consumer groups; every responder instance answers every request", nil)
	}
}

// metricSubsystem turns a transport name into a valid Prometheus name part.
func metricSubsystem(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func metricsHandler(registerer prometheus.Registerer) http.Handler {
	if gatherer, ok := registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Start runs the Responder and any registered HTTP servers until ctx is
// cancelled. Without a Responder it blocks until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	servers, err := s.startHTTPServers()
	if err != nil {
		return err
	}
	defer s.shutdownHTTPServers(servers)

	if s.responder == nil {
		<-ctx.Done()
		return nil
	}
	return s.responder.Run(ctx)
}

// Verify asks the owning service whether subjectID exists for kind.
func (s *Service) Verify(ctx context.Context, kind identity.Kind, subjectID *int64) (Result, error) {
	if s == nil {
		return Result{}, errspkg.ErrServiceRequired
	}
	return s.verifier.Verify(ctx, kind, subjectID)
}

// Close closes the publisher and the transport once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.publisher.Close(), s.transport.Close())
	})
	return s.closeErr
}

// Publisher returns the shared publishing client.
func (s *Service) Publisher() *RequestPublisher { return s.publisher }

// Waiter returns the correlation waiter.
func (s *Service) Waiter() *Waiter { return s.waiter }

// Responder returns the Responder, or nil when no Directory was supplied.
func (s *Service) Responder() *Responder { return s.responder }

// Metrics returns the collectors, or nil when metrics are disabled.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Capabilities describes the configured transport.
func (s *Service) Capabilities() transport.Capabilities { return s.capabilities }

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() ([]*http.Server, error) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			s.shutdownHTTPServers(servers)
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}
		server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		servers = append(servers, server)

		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
	return servers, nil
}

func (s *Service) shutdownHTTPServers(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to shut down HTTP server", err, nil)
		}
	}
}
