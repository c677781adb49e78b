// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the dcr-oauth broker.
//
// This package enables observability across all broker layers through:
// - Metrics: counters, histograms, and gauges for broker operations
// - Traces: distributed tracing for request flows across components
//
// # Quick Start
//
//	import "github.com/graphgate/dcr-oauth/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-broker",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	server.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//
// # Available Metrics
//
// HTTP layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Broker flows:
//   - oauth.client.registered{outcome} - registrations by resolution outcome
//   - oauth.client.merged - registration merges on identity link
//   - oauth.authorization.started{client_id}
//   - oauth.callback.processed{client_id, success}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{reason}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.domain.denied
//   - oauth.config_change.revoked
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.{clients,codes,tokens,identities}.count gauges
//
// Provider:
//   - provider.api.calls.total{provider, operation, status}
//   - provider.api.duration{provider, operation}
//   - provider.api.retries.total{provider, operation}
//   - provider.api.errors.total{provider, operation, error_type}
//
// # Performance
//
// When instrumentation is not configured or disabled, no-op providers are
// used and the overhead is zero. Storage size gauges read lock-free atomic
// counters.
//
// # Security Considerations
//
// Never record actual token values, client secrets, or PKCE verifiers in
// traces or metrics; only metadata (kinds, expiry, validation results).
// Client IP addresses may be PII; see Config.LogClientIPs.
package instrumentation
