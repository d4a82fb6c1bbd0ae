/*
Package telemetry ships application events, measurements, errors and logs to a
remote collector.

Architecture Overview:

  - ContextStore holds the session and user attributes of the running application.
  - Builder turns a call-site payload into an Envelope stamped with a timestamp and
    snapshots of the session and user context.
  - Dispatcher queues envelopes and delivers them on background workers through a
    Transport (HTTP JSON posts, or OpenTelemetry log records over OTLP).
  - Client ties these together and exposes the typed helpers.

Thread Safety:

Client methods are safe for concurrent use. The context store is guarded by a
read/write mutex; dispatcher counters are atomic. Envelopes pushed concurrently may
reach the collector in any order, so collectors order by the embedded timestamp.

Failure Model:

Telemetry never affects the host application. Push and track methods return
immediately, never panic and never report delivery errors. A failed delivery is
logged once as a warning on the client's TelemetryLogger and counted in Health.
When the queue is full, envelopes are dropped rather than blocking the caller.

Usage:

	client, err := telemetry.NewClient(nil) // defaults and PULSE_* environment
	if err != nil {
	    log.Fatal(err)
	}
	defer client.Shutdown(context.Background())

	client.SetUserContext("u-42", telemetry.Attributes{"tier": telemetry.String("gold")})
	client.TrackScreenView("Home", nil)
	client.AddToCart("sku-1", "Coffee", 4.5, 2)

	defer client.TimeOperation("load_products")()

For trace correlation, pass a request context; the active span ids and OTel baggage
are copied into the envelope:

	ctx = telemetry.WithBaggage(ctx, "request_id", "abc123")
	client.PushEventContext(ctx, "checkout_start", nil)

Safety Features:

  - Bounded queue with drop counting
  - Optional retries with exponential backoff
  - Circuit breaker that stops sends to a failing collector
  - Key-based redaction through RedactHook or the redact_keys setting
  - Cardinality limiting for measurements mirrored into metrics
  - Rate-limited error logging
*/
package telemetry
