// Package workflow is the replay engine: it runs orchestrator functions
// deterministically against an instance's recorded history.
//
// An orchestrator is ordinary Go code that receives a *Context and issues
// calls through it:
//
//	func Greet(ctx *workflow.Context) (any, error) {
//	    var out []string
//	    for _, city := range []string{"Tokyo", "Seattle", "London"} {
//	        var s string
//	        if err := ctx.CallActivity("Hello", city).Await(&s); err != nil {
//	            return nil, err
//	        }
//	        out = append(out, s)
//	    }
//	    return out, nil
//	}
//
// Every pass starts the function from the top. The i-th call the function
// issues is matched against the i-th scheduling event in history: when a
// result is already recorded, Await returns it immediately (a replay hit);
// when it is not, the call is recorded as a new scheduling event and the
// pass stops at the first Await that cannot be satisfied (a replay miss).
// The scheduler dispatches the new work and runs another pass once results
// arrive.
//
// Orchestrator code must therefore be deterministic. It must not read the
// wall clock, random sources, global mutable state or perform I/O directly;
// use Context.Now, Context.SideEffect, timers and activities instead. A pass
// whose calls do not line up with history fails with api.ErrNonDeterminism.
//
// Fan-out is expressed by issuing several calls before awaiting any of
// them and joining with Context.WhenAll, which only proceeds once every
// task has a recorded result, in whatever order those results arrived.
package workflow
