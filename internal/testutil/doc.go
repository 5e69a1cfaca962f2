// Package testutil provides shared test helpers for warden.
//
// Philosophy:
// - Prefer real SQLite (no mocks) for correctness.
// - Keep helpers small, composable, and deterministic.
// - Register cleanup via t.Cleanup so tests stay leak-free.
//
// Most packages should start with:
//
//	database := testutil.NewTestDB(t)
//	pattern := testutil.MakePattern(t, database, testutil.PatternWithText("go test ./..."))
//
// Engine-level tests use a Harness:
//
//	h := testutil.NewHarness(t)
//	eng := h.OpenEngine(engine.Options{Trust: core.TrustBalanced})
package testutil
