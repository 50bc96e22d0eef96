// Package workflow runs the Secret Santa process: invite, wait, collect.
//
// Every run is a record in Pebble under wf/run/{id}. The engine persists
// the run before and after each step, so a restart resumes from the last
// completed step and never re-sends an invitation that was recorded as
// sent. Waiting is a persisted deadline (wf/due/{ms}/{id}); the Scheduler
// keeps one timer for the earliest deadline rather than a goroutine per
// run. Transitions are appended to the workflow/history event log in the
// same batch as the record they describe.
//
// States:
//
//	running(invite) -> waiting(wait) -> running(collect) -> completed
//
// A running run may fail; a running or waiting run may be cancelled.
// Completed, failed and cancelled runs are immutable. Failed runs are not
// retried; Retrigger starts a fresh run from the same input.
package workflow
