// Package stores provides the run audit store for lakegate.
// It persists finished WAP runs with their import jobs, expectation results,
// merge attempts and warnings, plus the coordinator event log, in SQLite with
// embedded migrations.
package stores
