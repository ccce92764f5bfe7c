// Package query is a narrow table/filter facade over the store.
//
// Callers written against a hosted backend's fluent client chain
// Table("threads").Select("*").Eq("user_id", id).Execute(ctx). Only the query
// shapes the host application actually issues are routed to store operations:
//
//   - ShapeThreadsByUser: table "threads" with a single Eq on "user_id"
//
// Every other combination is ShapeUnsupported and yields an empty result with no
// error. There is no general predicate engine and no joins.
//
// A Builder is single-use. Chained calls mutate it in place and Execute consumes
// it; executing twice returns ErrConsumed. Obtain a fresh builder per query from
// Client.Table.
package query
