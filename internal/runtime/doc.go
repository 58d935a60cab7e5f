/*
Package runtime provides the message broker behind msgbus.

# Architecture Overview

A Broker keeps an ordered set of subscribers, each a handler with an
optional filter and owner. Publish runs the middleware chain, evaluates the
filters in subscription order, invokes the matching handlers concurrently
under the delivery timeout and forwards the message to the attached
transport. Messages arriving from the transport are delivered locally only.

# Package Structure

## Broker (broker.go)

Subscription management, Publish, Request, Start and Stop. Failures never
escape Publish; they are collected in the DeliveryReport, counted and
passed to the optional ErrorHandler.

## Subscribers (subscriber.go, component.go)

Handler and Filter interfaces with their func adapters, the Predicate,
ByType and ByTopic helpers, and Component which groups subscriptions under
one owner.

## Middleware (chain.go, middleware.go)

Publish-side middleware with an index-advancing continuation:
  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of published messages
  - LogSubscribers: Logs the live subscriber set
  - Tracer: OpenTelemetry span per publish
  - RateLimit: Waits for or drops messages over the limit

## Hooks (hooks.go)

DeliveryHooks observe each handler invocation.

## Request handling (respond.go)

Respond delivers an inbound request to local subscribers and collects the
first Reply written by a handler.

## Identity (identity.go)

The broker identity is the transport connection id when one is assigned,
the configured client id otherwise. It drives the echo guard.

## Stats & Monitoring (metrics.go, introspection.go, webui.go)

Counters snapshot, Prometheus collectors and an HTTP API for inspecting
subscribers and the last message per type.

# Sub-packages

  - config/: Broker configuration with validation
  - errors/: Sentinel errors and error types
  - handlers/: Typed JSON and protobuf handlers
  - ids/: ULID generation for message ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - message/: The message envelope
  - metadata/: Message metadata utilities
  - registry/: Name-keyed registries for filters and transports

# Usage Example

	broker, err := runtime.New(&config.Config{}, logger, runtime.Dependencies{
		Transport: loopback.New(loopback.NewHub(nil)),
	})
	if err != nil {
		return err
	}
	if err := broker.Start(ctx); err != nil {
		return err
	}
	defer broker.Stop(ctx)

	broker.Subscribe(handlers.JSON(processOrder), runtime.ByType("order.created"), nil)
	broker.Publish(ctx, message.New("order.created", "", order))
*/
package runtime
