// Package types holds the shared domain model: tenants, projects, agents,
// API keys, auth contexts, tasks, leases, and workflows. All identifiers are
// UUIDs and all timestamps are UTC.
package types
