package idflow

import (
	"github.com/drblury/idflow/internal/directory"
	runtimepkg "github.com/drblury/idflow/internal/runtime"
	"github.com/drblury/idflow/internal/runtime/clock"
	configpkg "github.com/drblury/idflow/internal/runtime/config"
	errspkg "github.com/drblury/idflow/internal/runtime/errors"
	"github.com/drblury/idflow/internal/runtime/identity"
	idspkg "github.com/drblury/idflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/idflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/idflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/idflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/idflow/internal/runtime/transport"
	newtransport "github.com/drblury/idflow/transport"
)

type (
	Config               = configpkg.Config
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	Transport            = transportpkg.Transport
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc

	// Protocol
	Kind          = identity.Kind
	CheckRequest  = identity.CheckRequest
	CheckResponse = identity.CheckResponse

	Waiter              = runtimepkg.Waiter
	WaiterConfig        = runtimepkg.WaiterConfig
	SendFunc            = runtimepkg.SendFunc
	Result              = runtimepkg.Result
	Outcome             = runtimepkg.Outcome
	SubscriptionTracker = runtimepkg.SubscriptionTracker
	Lease               = runtimepkg.Lease

	Verifier       = runtimepkg.Verifier
	VerifierConfig = runtimepkg.VerifierConfig

	Responder       = runtimepkg.Responder
	ResponderConfig = runtimepkg.ResponderConfig
	ResponderState  = runtimepkg.ResponderState

	RequestPublisher = runtimepkg.RequestPublisher
	Metrics          = runtimepkg.Metrics

	RetryMiddlewareConfig = runtimepkg.RetryMiddlewareConfig

	// Directories
	Directory           = directory.Directory
	DirectoryEntry      = directory.Entry
	MemoryDirectory     = directory.MemoryDirectory
	SQLDirectory        = directory.SQLDirectory
	CachedDirectory     = directory.CachedDirectory
	DirectoryTable      = directory.Table
	DirectorySQLDialect = directory.Dialect

	Clock     = clock.Clock
	FakeClock = clock.Fake

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	TransportError        = errspkg.TransportError
	DecodeError           = errspkg.DecodeError

	// Modular transport types
	TransportBuilder        = newtransport.Builder
	TransportConfig         = newtransport.Config
	TransportRegistry       = newtransport.Registry
	TransportCapabilities   = newtransport.Capabilities
	ScopedSubscriberFactory = newtransport.ScopedSubscriberFactory
	ScopedSubscriberFunc    = newtransport.ScopedSubscriberFunc
	SharedScope             = newtransport.SharedScope
	CapabilitiesProvider    = newtransport.CapabilitiesProvider
)

const (
	KindUnknown = identity.KindUnknown
	KindUser    = identity.KindUser
	KindPlayer  = identity.KindPlayer
	KindCreator = identity.KindCreator

	OutcomeTimeout  = runtimepkg.OutcomeTimeout
	OutcomeMatched  = runtimepkg.OutcomeMatched
	OutcomeCanceled = runtimepkg.OutcomeCanceled

	StateStarting = runtimepkg.StateStarting
	StateRunning  = runtimepkg.StateRunning
	StateDraining = runtimepkg.StateDraining
	StateStopped  = runtimepkg.StateStopped

	DefaultRequestTopic    = configpkg.DefaultRequestTopic
	DefaultResponseTopic   = configpkg.DefaultResponseTopic
	DefaultResponseTimeout = configpkg.DefaultResponseTimeout

	DriverSQLite   = directory.DriverSQLite
	DriverPostgres = directory.DriverPostgres
)

// Metadata keys carried by every envelope.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyEventSchema   = metadatapkg.KeySchema
	MetadataKeyIdentityKind  = metadatapkg.KeyIdentityKind
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewWaiter              = runtimepkg.NewWaiter
	NewVerifier            = runtimepkg.NewVerifier
	NewResponder           = runtimepkg.NewResponder
	NewRequestPublisher    = runtimepkg.NewRequestPublisher
	NewSubscriptionTracker = runtimepkg.NewSubscriptionTracker
	NewMetrics             = runtimepkg.NewMetrics
	PublishJSON            = runtimepkg.PublishJSON

	DefaultMiddlewares    = runtimepkg.DefaultMiddlewares
	LogMessagesMiddleware = runtimepkg.LogMessagesMiddleware
	TracerMiddleware      = runtimepkg.TracerMiddleware
	RetryMiddleware       = runtimepkg.RetryMiddleware
	RecovererMiddleware   = runtimepkg.RecovererMiddleware

	ParseKind      = identity.ParseKind
	Kinds          = identity.Kinds
	Subject        = identity.Subject
	EncodeRequest  = identity.EncodeRequest
	EncodeResponse = identity.EncodeResponse
	DecodeRequest  = identity.DecodeRequest
	DecodeResponse = identity.DecodeResponse

	NewMemoryDirectory = directory.NewMemoryDirectory
	NewSQLDirectory    = directory.NewSQLDirectory
	OpenSQLDirectory   = directory.OpenSQL
	NewCachedDirectory = directory.NewCachedDirectory
	DefaultTables      = directory.DefaultTables
	DialectFor         = directory.DialectFor

	NewFakeClock = clock.NewFake

	DefaultTransportFactory  = transportpkg.DefaultFactory
	GetCapabilities          = newtransport.GetCapabilities
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	NewSharedScope           = newtransport.NewSharedScope

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrServiceRequired         = errspkg.ErrServiceRequired
	ErrPublisherRequired       = errspkg.ErrPublisherRequired
	ErrSubscriberRequired      = errspkg.ErrSubscriberRequired
	ErrScopeRequired           = errspkg.ErrScopeRequired
	ErrDirectoryRequired       = errspkg.ErrDirectoryRequired
	ErrWaiterRequired          = errspkg.ErrWaiterRequired
	ErrTopicRequired           = errspkg.ErrTopicRequired
	ErrCorrelationIDRequired   = errspkg.ErrCorrelationIDRequired
	ErrTimeoutRequired         = errspkg.ErrTimeoutRequired
	ErrConfigRequired          = errspkg.ErrConfigRequired
	ErrLoggerRequired          = errspkg.ErrLoggerRequired
	ErrPayloadRequired         = errspkg.ErrPayloadRequired
	ErrUnknownKind             = errspkg.ErrUnknownKind
	ErrPublisherClosed         = errspkg.ErrPublisherClosed
	ErrSubscriptionClosed      = errspkg.ErrSubscriptionClosed
	ErrResponderAlreadyRunning = errspkg.ErrResponderAlreadyRunning
	ErrDecode                  = errspkg.ErrDecode
	ErrUnsupportedKind         = directory.ErrUnsupportedKind
	ErrScopeClosed             = newtransport.ErrScopeClosed

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger
	ParseLogLevel             = loggingpkg.ParseLevel

	NewMetadata = metadatapkg.New

	CreateULID       = idspkg.CreateULID
	NewCorrelationID = idspkg.NewCorrelationID
)
