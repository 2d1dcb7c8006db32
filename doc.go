// Package idflow is a small layer on top of Watermill that lets services ask
// each other whether an identity exists. A caller publishes a CheckRequest on
// a shared request topic and waits, bounded by a timeout, for the
// CheckResponse with the same correlation id on a broadcast response topic.
// The service that owns the identity kind answers from its Directory.
//
// Service reads the target transport (Kafka, RabbitMQ, AWS SNS/SQS, NATS,
// NATS JetStream, or Go Channels) from Config and builds the shared
// publisher, the correlation Waiter, the Verifier and, when a Directory is
// supplied, the Responder. A minimal caller fills Config, creates a Service
// and calls Verify; a minimal owner also passes a Directory and calls Start.
//
// # Transports
//
// Every transport provides three roles:
//   - a publisher shared by the whole process
//   - a consumer-group subscriber, so each request is answered once
//   - scoped subscribers, created per Verify call and removed afterwards
//
// Capabilities reports what a backend guarantees, for example whether scoped
// subscribers may see responses published before they subscribed.
//
// # Failure model
//
// Verify never hangs past its timeout. No answer, a broken subscription and a
// failed subscribe all come back as OutcomeTimeout; callers must treat
// Result.Unverifiable as "fail closed". The responder drops requests it cannot
// answer after retries and acks them, so one bad request never blocks the
// consumer group.
//
// # Directories
//
// MemoryDirectory serves tests and fixed data. SQLDirectory reads SQLite or
// PostgreSQL tables, and CachedDirectory keeps recent answers in memory.
//
// When you need more control, ServiceDependencies accepts a TransportFactory,
// a Clock, a Prometheus Registerer and extra responder middleware.
package idflow
