// Package ingest embeds tenant documents into the vector index and removes
// them again.
//
// A run chunks every backlog document (or every live document when forced),
// embeds the chunks through the gateway, upserts them under deterministic
// point IDs and then records the chunks in the document store, which takes
// the document out of the backlog. Re-running over unchanged text upserts the
// same points, so a run is idempotent. At most one run touches a given
// document at a time.
package ingest
