// Package harness runs unit of work scenarios and compares their command
// traces against golden files.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: order_before_customer
//	description: "What this scenario validates"
//	models: ../models            # CUE declarations, relative to this file
//	stores:
//	  main: {driver: sqlite}     # optional; memory otherwise
//	faults:
//	  main: {commit: disk full}  # optional injected failures
//	steps:
//	  - create: Order
//	    as: order
//	    values: {total: 42}
//	  - create: Customer
//	    as: ada
//	    values: {name: ada}
//	  - ref: order
//	    refs: {customer: ada}
//	  - commit: true
//	assertions:
//	  - type: trace_order
//	    lines: ["insert Customer 1", "insert Order 1"]
//	  - type: final_state
//	    object: Order
//	    where: {id: 1}
//	    expect: {customer: 1}
//
// Steps are create, load, query, set, ref, delete, flush, commit and
// rollback. A transaction begins at the first step after a commit or
// rollback; aliases bound with as live until it ends.
//
// # Trace
//
// Every command issued to a store is recorded as one line:
//
//	insert Customer 1
//	fixup Order 2
//	update Customer 1
//	delete Tag a
//	prepare audit
//	commit main
//	rollback main
//
// Transaction IDs come from a sequence and server-generated integer keys
// start at 1 in a fresh store, so traces are identical across runs.
package harness
