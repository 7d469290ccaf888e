package actions

import (
	"context"
	"time"
)

// Builtin lists the action ids used by the plan templates and the routing
// rules, with their capabilities.
var Builtin = map[string]Capability{
	// data processing
	"fetch_data":     CapabilityRead,
	"validate_data":  CapabilityCompute,
	"transform_data": CapabilityCompute,
	"analyze_data":   CapabilityCompute,
	"write_output":   CapabilityWrite,
	// reporting
	"collect_data":    CapabilityRead,
	"generate_report": CapabilityWrite,
	"quality_check":   CapabilityCompute,
	// integration
	"connect": CapabilityExternal,
	"sync":    CapabilityExternal,
	"verify":  CapabilityRead,
	// generic
	"prepare": CapabilityCompute,
	"execute": CapabilityCompute,
	// gated actions
	"send_email":            CapabilityExternal,
	"post_linkedin":         CapabilityExternal,
	"post_twitter":          CapabilityExternal,
	"external_api_call":     CapabilityExternal,
	"delete_file":           CapabilityWrite,
	"database_write":        CapabilityWrite,
	"financial_transaction": CapabilityExternal,
	"process_data":          CapabilityCompute,
	"internal_note":         CapabilityWrite,
	"read_email":            CapabilityRead,
	"file_organize":         CapabilityWrite,
}

// Simulated returns a handler that performs no side effects and reports a
// placeholder for every expected output. Channel clients replace these in
// deployments that deliver for real.
func Simulated(id string, c Capability) Handler {
	return Func{
		Cap: c,
		Fn: func(ctx context.Context, sc StepContext) (Output, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out := Output{
				"action":    id,
				"status":    "simulated",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}
			for _, name := range sc.ExpectedOutputs {
				out[name] = "produced by " + id
			}
			return out, nil
		},
	}
}

// RegisterBuiltins registers a simulated handler for every Builtin id not
// already present in r.
func RegisterBuiltins(r *Registry) {
	for id, c := range Builtin {
		if _, ok := r.Lookup(id); ok {
			continue
		}
		r.MustRegister(id, Simulated(id, c))
	}
}
