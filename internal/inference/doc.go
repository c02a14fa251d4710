// Package inference provides the model backends behind the model
// extractor.
//
// Every backend implements a single synchronous call, Infer(ctx, prompt),
// and classifies its failures onto the staging error taxonomy:
//
//   - staging.ErrModelTimeout when the call deadline passes
//   - staging.ErrModelUnavailable when the backend cannot be reached, rejects
//     credentials, or keeps failing after retries
//
// Other errors are per-request rejections and are returned as-is.
//
// Backends:
//
//   - LangChain wraps any langchaingo llms.Model. NewOllama targets a local
//     Ollama server and NewOpenAI any OpenAI-compatible endpoint.
//   - Anthropic calls the Messages API through anthropic-sdk-go.
//
// Both share a request limiter (model.requests_per_minute) and exponential
// backoff for transient failures.
package inference
