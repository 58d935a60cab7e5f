// Package msgbus is an in-process message broker with pluggable transports.
// Components subscribe a Handler with an optional Filter, publishers emit
// typed Messages, and the Broker dispatches each message to every matching
// subscriber while forwarding it to the configured transport so peers in
// other processes see it too.
//
// A Broker is created from Config with New, or with NewFromConfig which also
// builds the transport named by Config.Transport from the default registry.
// Start connects the transport; Stop disconnects it and drops every
// subscriber. Publish returns a DeliveryReport describing which subscribers
// ran and whether the message left the process. Request sends a message and
// waits for the matching reply, either from a local subscriber that calls
// Reply or from a remote peer.
//
// # Transports
//
// Importing msgbus registers every built-in transport:
//   - loopback: in-memory echo, used in tests and single-process setups
//   - http: POSTs each message to an endpoint, replies come in the response
//   - socket (alias websocket): persistent connection with automatic reconnect
//     and exponential backoff, relayed by a Hub such as cmd/msgbus-relay
//   - channel: Watermill Go channels shared by brokers in one process
//   - kafka, rabbitmq, nats, jetstream: Watermill backends with one consumer
//     per broker so every broker receives every message
//
// Custom transports implement Transport and register a TransportBuilder with
// RegisterTransport. Optional interfaces such as Requester, Broadcaster and
// Connector are discovered at runtime and summarised by DescribeTransport.
//
// # Middleware
//
// Every delivery runs through a middleware chain. DefaultMiddlewares adds
// correlation ids and message logging; RateLimitMiddleware, TracerMiddleware
// and custom Middleware values are registered through
// Dependencies.Middlewares or Broker.Use.
//
// # Hooks
//
// DeliveryHooks observe each subscriber invocation. LoggingHooks,
// MetricsHooks and AlertingHooks cover the common cases.
//
// Typed handlers decode the payload before calling user code: JSON for any
// Go type and Proto for protobuf messages.
package msgbus
