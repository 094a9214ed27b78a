// Package server composes and runs the keyfold process boundary.
//
// It opens the SQLite store, wires the ceremony coordinator and account
// service over it, sweeps expired challenges in the background, and
// exposes a gRPC health endpoint for liveness probes.
package server
