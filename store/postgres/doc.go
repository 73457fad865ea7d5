// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: SKIP LOCKED deployment claims, heartbeat-lease leader
// election, embedded SQL migrations applied in filename order.
package postgres
