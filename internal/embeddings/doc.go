// Package embeddings turns text into vectors.
//
// Providers (TEI, OpenAI-compatible, local FastEmbed) do the raw work. The
// Gateway in front of them adds a bounded LRU cache, single-flight
// deduplication per text, rate limiting, transient-failure retries and
// secret scrubbing. Callers use the Gateway, never a Provider directly.
package embeddings
