// Package model contains the shared interfaces and data structures.
//
// This package should only contain important interfaces that are shared
// by several packages within the codebase, with the objective of
// separating unrelated pieces of code and making unit testing easier.
//
// In general, this package should not contain logic, unless this logic
// is strictly related to data structures and we cannot implement this
// logic elsewhere.
package model
