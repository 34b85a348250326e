// Governor is the configuration change governance engine.
//
// It sits between proposers of configuration changes and the actuator that
// applies them: every change is checked against invariants, classified by
// risk, routed to auto-apply, acknowledgement or approval, and recorded in a
// hash-chained audit log.
//
// Usage:
//
//	# Serve the HTTP API (configuration comes from GOVERNOR_* variables)
//	governor serve
//
//	# Dry-run a change request against a unit
//	governor classify --request change.json --unit unit.json
//	governor evaluate --request change.json --unit unit.json
//
//	# Verify or export the audit chain
//	governor audit verify
//	governor audit export --since 2026-01-01T00:00:00Z
package main

import "os"

func main() {
	os.Exit(Execute(os.Args[1:]))
}
