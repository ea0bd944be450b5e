// Package db provides the storage layer of the e-City gateway.
// It encapsulates all interactions with the SQLite database that backs the gateway's
// own state: auth-bridge sessions, recorded proxy exchanges, and gateway logs.
//
// This package is responsible for:
// - Establishing the connection and applying embedded goose migrations (`db.go`).
// - Defining database row structs that map to the table schemas.
// - Implementing the repository interfaces declared in the `domain` package.
// - Converting between domain structs and row structs, including `sql.Null*` types
//   for nullable columns.
package db
