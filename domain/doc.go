// Package domain defines the types shared across the e-City gateway: identities and
// their permissions, gateway sessions, the opaque resource payloads owned by the
// backend, recorded proxy exchanges, and gateway logs.
//
// It also declares the repository interfaces the gateway consumes, keeping the
// storage technology (see package db) out of the request path.
package domain
