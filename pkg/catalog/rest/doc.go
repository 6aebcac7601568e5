// Package rest implements the catalog protocol over HTTP.
//
// The protocol is JSON under /api/v1:
//
//	GET    /branches?prefix=p     list branches
//	POST   /branches              create a branch {name, from_ref}
//	GET    /branches/{name}       read a branch and its head
//	DELETE /branches/{name}       delete a branch
//	POST   /tables                create or replace a table
//	POST   /imports               import source files onto a branch
//	POST   /merges                merge with an expected-head check
//	POST   /query                 run SQL against a ref {sql, ref}
//
// Failures carry an ErrorResponse with the error class and code, so a Client
// reproduces the classified errors of the catalog behind the Server.
package rest
