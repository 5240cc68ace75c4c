// Package materialize turns successful processed events into rows of the
// derived entity tables: users and their adds and infos, the access log and
// the check-in/out log.
//
// Every materializer reads the same key source, success rows of its event
// types that have no row in its table yet, so materializing eagerly (one
// processed ID right after processing) and lazily (a catch-up over
// everything pending) end in the same tables.
package materialize
