// Package audit records field-level history of mutated records.
//
// # Overview
//
// Every mutation is turned into one HistoryEntry per affected field. Entries
// carry the actor, the tenancy context (organisation, agent, lead, call, chat)
// and the request that caused the change. They are append-only: nothing in
// this package updates or deletes a stored entry.
//
// # Diffing
//
// TrackCreate, TrackUpdate and TrackDelete build drafts from ordered snapshots
// without touching storage:
//
//	before, _ := audit.ParseSnapshot([]byte(`{"id":"x","name":"Old"}`))
//	after, _ := audit.ParseSnapshot([]byte(`{"id":"x","name":"New"}`))
//	drafts := audit.TrackUpdate(tc, before, after) // one entry, for "name"
//
// TrackUpdate compares values strictly. Scalars compare by value, but maps and
// slices compare by reference, so two separately decoded nested objects always
// count as changed even when their contents match.
//
// # Writing
//
// DBWriter.Commit writes a batch in a single transaction. If any insert fails
// the batch is rolled back and a *BatchWriteError is returned; no part of the
// batch is stored. Recorder combines diffing and committing:
//
//	recorder := audit.NewRecorder(audit.NewDBWriter(db))
//	entries, err := recorder.RecordUpdate(ctx, tc, before, after)
//
// # Querying
//
// QueryService applies tenant scoping on top of the caller's filter. Super-admins
// see every entry. Other principals see entries of organisations they actively
// belong to, plus entries they authored:
//
//	page, err := queries.Query(ctx, audit.Filter{TableName: "leads"}, principal)
//
// # HTTP API
//
//	GET  /history
//	GET  /history/export?format=json|ndjson|csv
//	GET  /history/{tableName}/{recordId}
//	GET  /organisations/{organisationId}/history
//	POST /organisations/{organisationId}/history
package audit
