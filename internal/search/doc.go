// Package search answers tenant questions: hybrid retrieval, then freshness,
// rerank and MMR, then a cited answer checked claim by claim. Every stage
// that can fail has a degraded path, and the response names each one that
// was taken.
package search
