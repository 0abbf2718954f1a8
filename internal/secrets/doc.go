// Package secrets redacts credentials from text before it leaves the process.
//
// Detection uses the Gitleaks rule set. Matches are replaced with
// [REDACTED:<rule-id>] markers so embeddings and prompts keep their shape
// without carrying the secret itself.
package secrets
