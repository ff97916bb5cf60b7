// Package server hosts the adgate HTTP surface from a single multiplexer.
//
// Every route shares one middleware chain: request IDs, request logging,
// metrics, and security headers.
package server
