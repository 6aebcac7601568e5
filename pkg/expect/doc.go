// Package expect builds data-quality checks for the WAP coordinator.
//
// Expectations are written as expressions such as
//
//	no_nulls(col=x)
//	range(col=age, min=0, max=120)
//	unique(track_uri, table=public.tracks)
//	min_rows(n=1000)
//	mean_between(col=score, min=0.2, max=0.8)
//	accepted_values(col=status, values='active|paused')
//
// or as structured specs with a kind, a column and params. The sql kind runs a
// custom query that must return no rows or a single true value; the script kind
// hands rows to a Starlark script that sets passed and, optionally, message.
//
// Checks only query the branch; they never modify it.
package expect
