/*
Package runtime implements the identity verification protocol for idflow.

# Architecture Overview

A service that needs to know whether an identity exists publishes a
CheckRequest on a shared request topic and waits, for a bounded time, for the
CheckResponse carrying the same correlation id on a broadcast response topic.
The service that owns the identity kind answers from its local Directory.
Everything runs over Watermill publishers and subscribers supplied by the
transport packages.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - The transport built from config (Kafka, RabbitMQ, NATS, JetStream, AWS, channel)
  - The shared RequestPublisher
  - The Waiter and the Verifier built on it
  - The Responder, when a Directory is supplied
  - HTTP servers for Prometheus metrics

## Correlation Waiter (waiter.go, subscriptions.go)

Waiter.AwaitResponse opens a scoped subscription under a fresh identity, runs
the send callback, and returns the first response with a matching correlation
id. Foreign and malformed responses are acked and discarded. Transport
failures while waiting degrade to a timeout; the subscription is released on
every exit path.

## Responder (responder.go, middleware.go)

The Responder consumes requests as part of a consumer group, looks the subject
up and publishes the answer. Lookups run behind the retry and recoverer
middleware; publishes are retried with exponential backoff. Requests that
still fail are dropped and acked, so a request never blocks the group.

## Publishing (publisher.go)

PublishJSON and RequestPublisher emit envelopes with ULID message ids and the
correlation headers.

# Sub-packages

  - clock/: Real and fake clocks for deadlines
  - config/: Service configuration with validation
  - errors/: Sentinel errors and error types
  - identity/: Identity kinds and the request/response envelopes
  - ids/: ULID, correlation id and scope identity generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities
  - transport/: Transport factory over the registered transports

# Usage Example

	cfg := &idflow.Config{
		PubSubSystem:   "kafka",
		KafkaBrokers:   []string{"localhost:9092"},
		ConsumerGroup:  "users-service",
		MetricsEnabled: true,
	}

	svc, err := idflow.TryNewService(ctx, cfg, logger, idflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Verify(ctx, idflow.KindUser, idflow.Subject(42))
	if err != nil || res.Unverifiable() {
		return errIdentityUnavailable
	}
*/
package runtime
