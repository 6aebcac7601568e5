// Package memory implements a versioned table catalog in process.
//
// It is the catalog behind "lakegate catalog serve" and the backend the
// coordinator tests run against. Branches, commits and three-way merges
// follow the semantics of a lakehouse catalog; table data is kept in memory
// and optionally persisted as a JSON snapshot.
package memory
