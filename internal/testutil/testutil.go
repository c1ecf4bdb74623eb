// Package testutil provides test helpers shared across this module's test
// suites.
//
// The package is organized into focused files:
//   - assert.go: assertion helpers (AssertValidUTF8, AssertContainsAll)
//   - fs_helpers.go: filesystem operations (WriteFile, ReadFile, MustExist)
//   - encoding.go: raw byte samples for legacy-charset tests
package testutil
