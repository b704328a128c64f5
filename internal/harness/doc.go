// Package harness runs transaction lifecycle scenarios against the engine.
//
// A scenario scripts what the ledger and the clock do to one or more
// submissions, and asserts on the engine's trace, the final records and the
// cache invalidations the engine issued.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	account: 5Alice
//	config:
//	  finality_timeout: 15s
//	steps:
//	  - submit: { kind: transfer, recipient: 5Bob, amount: "10.0" }
//	  - notify: { stream: 0, kind: broadcasted, tx_hash: "0xabc" }
//	  - notify: { stream: 0, kind: included_in_block, block_hash: "0xbh1" }
//	  - advance: 15s
//	assertions:
//	  - type: trace_order
//	    id: tx-1
//	    events: [created, transition:broadcast, transition:in_block, transition:finalized]
//	  - type: final_state
//	    id: tx-1
//	    expect: { status: success, fine_status: finalized }
//	  - type: invalidations
//	    key: "balance:5Alice"
//	    count: 1
//
// Steps:
//
//   - submit: submits a transfer or data blob; fail scripts a ledger rejection,
//     expect_error a synchronous fault code
//   - notify: pushes a notification onto stream N (streams count successful
//     submissions from 0)
//   - close: ends stream N
//   - advance: moves the clock; due finality fallbacks settle before the step ends
//   - wait: blocks until a record reaches a fine status
//   - abandon: stops watching a record
//   - select: changes the selected account
//   - sweep: moves the clock to the next in-flight sweep
//
// # Assertion Types
//
// Trace assertions match event labels: the trace kind, with the fine status
// appended for transitions ("transition:in_block") and the notification
// appended for ignored and tx_hash events ("ignored:finalized").
//
//   - trace_contains: Verifies an event appears in the trace
//   - trace_order: Verifies events appear in the specified order
//   - trace_count: Verifies an event appears exactly N times
//   - final_state: Verifies fields of a final record
//   - invalidations: Verifies a cache key was invalidated exactly N times
//
// Trace assertions may be restricted to one record with id.
//
// # Deterministic Testing
//
// The harness uses:
//   - Sequential record ids (tx-1, tx-2, ...)
//   - A mock clock that only moves on advance and sweep steps
//   - In-memory SQLite database (isolated per run)
//   - Step settling: each step waits for the trace event it causes
//
// This ensures identical traces across runs for golden file comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/successful_transfer.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, err := range result.Errors {
//	        log.Println(err)
//	    }
//	}
package harness
