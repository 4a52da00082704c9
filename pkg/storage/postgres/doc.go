// Package postgres owns the service's database and Redis connections.
//
// ConnectionManager opens the primary PostgreSQL pool and optional read
// replicas, and drops replicas that fail health checks. RunMigrations applies
// versioned schema changes, each in its own transaction, and is shared by the
// membership and history stores; the SQL it runs is portable to SQLite so the
// stores can be tested in memory. NewRedisClient builds the client used by the
// distributed rate limiter and the health checker.
package postgres
