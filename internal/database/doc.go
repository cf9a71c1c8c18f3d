// Package database provides the PostgreSQL connection pool for the
// audit journal. The journal database is optional; the gateway runs
// without one when no host is configured.
package database
