// Package core turns a support archive into a RecordSet.
//
// It is independent of any transport: the HTTP server and the CLI both
// drive the same Pipeline.
//
// # Flow
//
//  1. [Extract] reads every regular file of the archive into memory in a
//     single pass. Only a container that cannot be read fails here.
//  2. [Pipeline.ParseAll] classifies and parses artifacts on a bounded
//     worker pool. Each artifact gets its own diagnostics sink.
//  3. [Normalizer.Reduce] files each result under its registry
//     destination and merges diagnostics in a fixed order, so the same
//     archive always yields the same RecordSet.
//
// # Dialects
//
// Classification comes from package registry. Each dialect has one parser:
//
//   - event_csv: delimited event logs, typed through package schema
//   - report_block: "show" command output split into sections
//   - generic_stats: statistics tables
//   - time_series: RRD history, one sample per day
//
// Artifacts that match nothing are kept as raw text only.
//
// # Sessions
//
// [Service] holds the current archive. Submitting a new archive cancels
// the run in flight; the cancelled call returns [ErrSuperseded].
//
// # Error Handling
//
// Errors returned to clients are mapped to short messages with a support
// code by [MapError]:
//
//   - FILE001-FILE005: archive size, format and presence
//   - UPL001-UPL006: session and upload state
//   - REG001: registry file problems
//   - RATE001: request throttling
package core
