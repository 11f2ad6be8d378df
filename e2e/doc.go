//go:build e2e

// Package e2e provides end-to-end tests for the PER pipeline.
//
// These tests are isolated from the standard test suite via build tags.
// They open real WebRTC connections over the loopback interface and run
// for several seconds, so they are intended for CI pipelines or explicit
// local testing.
//
// Running E2E tests:
//
//	go test -tags=e2e ./e2e/...
//
// Running all tests except E2E:
//
//	go test ./...
//
// E2E tests use:
//   - the relay server from cmd/relay/server for signaling
//   - a Pion PeerConnection standing in for the relaying unit
//   - loss patterns from pkg/v2x/testutil
//
// Test isolation:
// Each test starts its own server on a random port. Tests can run in
// parallel.
package e2e
