// Package logging provides structured logging for stagextract.
//
// # Overview
//
// The package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Console output plus an optional rotating log file
//   - Automatic context field injection (trace_id, run.id, chunk)
//   - Secret and note text redaction
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithChunk(ctx, 3)
//	logger.Info(ctx, "chunk written", zap.Int("notes", 500))
//
// Output includes the correlation fields:
//
//	{
//	  "ts": "2026-03-02T10:15:30.120Z",
//	  "level": "info",
//	  "msg": "chunk written",
//	  "run.id": "5f0c...",
//	  "chunk": 3,
//	  "notes": 500
//	}
//
// # Redaction
//
// Fields named in Redaction.Fields (api_key, note_text, ...) are replaced
// with [REDACTED] by the encoder. Clinical text must never be logged; use
// RedactedString when the length is useful for debugging.
//
// # Testing
//
//	logger := logging.NewTestLogger()
//	svc.Run(ctx)
//	logger.AssertLogged(t, zapcore.WarnLevel, "retrying model call")
//	logger.AssertNoSecrets(t)
package logging
