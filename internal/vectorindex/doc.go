// Package vectorindex stores chunk vectors in per-tenant namespaces.
//
// Every operation takes a tenant.ID. An empty tenant fails with
// tenant.ErrMissingTenant before any I/O; there is no shared default
// namespace. Each tenant gets its own collection, and every point also
// carries a tenant_id payload that queries filter on.
//
// Two backends are provided: Qdrant over gRPC for clustered deployments and
// an embedded chromem-go database for single-node use and tests.
package vectorindex
