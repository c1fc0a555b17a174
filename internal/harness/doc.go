// Package harness runs YAML scenarios against a real executor.
//
// Each scenario gets a fresh SQLite store in a temporary directory, a fake
// clock and sequential command ids (cmd-0001, cmd-0002, ...), so two runs
// of the same scenario produce identical results. Steps drive the engine
// one iteration at a time; nothing is simulated except the host binding.
//
// # Scenario Format
//
//	name: position_undo
//	description: "Undo reverts the last committed change"
//	owner: viewer-1            # optional, default viewer-1
//	template: default          # optional starting template
//	templates:                 # optional, written as template files
//	  overview:
//	    description: "Shallow view"
//	    parameters: { z_position: 1800 }
//	engine:
//	  claim_limit: 10
//	  maintenance_every: 1
//	  sweep_timeout: 1h
//	steps:
//	  - enqueue: update_position
//	    params: { x: 150000, y: 110000, z: 3000 }
//	  - enqueue: undo_action
//	  - iterate: 1
//	    expect: { executed: 2, failed: 0 }
//	  - claim: 1               # claim and abandon, as a crashed worker would
//	  - advance: 2h
//	  - request: get_current_state
//	  - fail_binding: "host unavailable"
//	  - restore_binding: true
//	assertions:
//	  - type: command
//	    command: cmd-0001
//	    status: executed
//	  - type: parameter
//	    param: x_position
//	    equals: 150000
//
// # Assertion Types
//
//   - command: status, error_code and error_contains of one command
//   - parameter: one published parameter equals a value
//   - undo_redo: the published undo/redo counters
//   - stats: command counts by status
//   - heartbeat: the executor's last heartbeat status
//   - template: the published template name
//   - applied: how many bundles reached the host binding
//
// # Golden Snapshots
//
// RunWithGolden compares the final command log, the parameters that differ
// from the factory defaults, the undo/redo counters and the command counts
// against testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
