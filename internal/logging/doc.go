// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// The package wraps Zap with:
//   - a custom Trace level (-2, below Debug)
//   - dual output (stdout and the OpenTelemetry log bridge)
//   - context field injection (trace_id, tenant.id, request.id)
//   - key and pattern based redaction
//   - level-aware sampling where errors are never dropped
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = tenant.WithTenant(ctx, "acme")
//	logger.Info(ctx, "search served", zap.Duration("latency", d))
//
// produces
//
//	{"ts":"...","level":"info","msg":"search served","tenant.id":"acme","latency":"45ms"}
//
// Library packages accept a *zap.Logger; pass Logger.Underlying().
package logging
