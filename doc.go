// Package herlink is the client side of a health-information-exchange
// messaging node. A node owns four AMQP queues named after its HerId
// (asynchronous, synchronous, synchronous reply and error) and herlink keeps
// a pool of receivers and senders open against them, runs a configurable
// number of listeners per queue, and takes every incoming message through
// the same reception pipeline: lock check, header validation, profile
// resolution against the collaboration registry, certificate validation and
// decryption, handler dispatch, and settlement.
//
// Failures are settled by kind. Reportable errors (missing header fields,
// malformed payloads, certificate problems, or application errors that ask
// for a notification) are sent back to the sender's error queue and the
// message is dead-lettered. Any other error leaves the message locked until
// its lock expires, at which point it is released for redelivery.
//
// Every broker operation runs through a retry executor that classifies
// failures (timeouts, busy servers, lost sessions) and backs off before the
// next attempt. Receivers and senders live in an entity pool that closes
// idle entries and evicts the least recently used one when it is full.
//
// A minimal setup loads Config, fills Dependencies with the collaboration
// registry and message protection, sets the Received callbacks on Hooks, and
// calls Client.Run:
//
//	conf, err := herlink.LoadConfig("herlink.yaml")
//	if err != nil {
//		return err
//	}
//	client, err := herlink.NewClient(ctx, conf, herlink.NewSlogServiceLogger(slog.Default()), herlink.Dependencies{
//		CollaborationRegistry: registry,
//		Protection:            protection,
//		Hooks: herlink.Hooks{
//			OnAsynchronousMessageReceived: handleAsync,
//			OnSynchronousMessageReceived:  handleSync,
//		},
//	})
//	if err != nil {
//		return err
//	}
//	return client.Run(ctx)
//
// # Transports
//
// The AMQP dialect is picked by Config.Transport:
//   - rabbitmq: AMQP 0-9-1 with dead-letter exchanges (default)
//   - amqp1: AMQP 1.0 brokers with native locks and dead-lettering
//   - kafka, nats, aws: bridged through Watermill with lock and
//     dead-letter emulation
//   - channel: in-memory queues for tests
//
// Additional transports can be added with RegisterTransport.
//
// # Observability
//
// The Client serves Prometheus metrics on /metrics and a small JSON status
// API (/api/status, /api/listeners, /api/pools) on the configured ports.
// Spans are started through the global OpenTelemetry tracer provider unless
// Dependencies.TracerProvider is set.
package herlink
