package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pysugar/agent-nexus/internal/auth/bearer"
	"github.com/pysugar/agent-nexus/internal/logging"
	"github.com/pysugar/agent-nexus/internal/tool/audit"
)

// Call is one model-requested tool invocation.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Result is the tool-role message produced for one Call. Error is 0 on
// success and 1 on any failure; DurationMS is nil on failure.
type Result struct {
	CallID     string
	Name       string
	Content    string
	Error      int
	DurationMS *float64
}

// Invoker wraps tool execution with bearer verification, timing, error
// isolation, and audit logging.
type Invoker struct {
	registry *Registry
	verifier *bearer.Authority
	audit    *audit.Logger
}

// NewInvoker wires the middleware with its collaborators.
func NewInvoker(registry *Registry, verifier *bearer.Authority, auditLogger *audit.Logger) *Invoker {
	return &Invoker{registry: registry, verifier: verifier, audit: auditLogger}
}

// InvokeAll verifies token, then executes every call concurrently. It
// returns exactly one Result per Call, in the original request order
// regardless of completion order. Individual failures never propagate; the
// only error returned is an authentication failure, which rejects the whole
// batch before anything runs.
//
// Execution is detached from ctx cancellation: a disconnecting client must
// not leave an external side effect half-applied.
func (iv *Invoker) InvokeAll(ctx context.Context, token, sessionID string, calls []Call, meta map[string]string) ([]Result, error) {
	claims, err := iv.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	execCtx := logging.WithSubject(context.WithoutCancel(ctx), claims.Subject)

	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			results[i] = iv.invoke(execCtx, sessionID, call, meta)
		}(i, call)
	}
	wg.Wait()
	return results, nil
}

// invoke runs one call inside the isolation boundary.
func (iv *Invoker) invoke(ctx context.Context, sessionID string, call Call, meta map[string]string) (result Result) {
	start := time.Now()
	result = Result{CallID: call.ID, Name: call.Name}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Tool] Panic in %q: %v", call.Name, r)
			result.Error = 1
			result.Content = fmt.Sprintf("Error: tool %q failed unexpectedly", call.Name)
			result.DurationMS = nil
		}
		iv.record(sessionID, call, result, meta)
	}()

	t, err := iv.registry.Get(call.Name)
	if err != nil {
		result.Error = 1
		result.Content = fmt.Sprintf("Error: unknown tool %q", call.Name)
		return result
	}

	content, err := t.Handler(ctx, call.Arguments)
	if err != nil {
		result.Error = 1
		result.Content = "Error: " + err.Error()
		return result
	}

	elapsed := float64(time.Since(start).Microseconds()) / 1000
	result.Content = content
	result.DurationMS = &elapsed
	return result
}

// record forwards one completed invocation, success or failure, to the
// audit log.
func (iv *Invoker) record(sessionID string, call Call, result Result, meta map[string]string) {
	args, _ := json.Marshal(call.Arguments)

	recMeta := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		recMeta[k] = v
	}
	if call.ID != "" {
		recMeta["call_id"] = call.ID
	}

	rec := audit.Record{
		SessionID:  sessionID,
		ToolName:   call.Name,
		Arguments:  string(args),
		DurationMS: result.DurationMS,
		Metadata:   audit.EncodeMetadata(recMeta),
	}
	if result.Error != 0 {
		rec.Status = "error"
		rec.Error = result.Content
	} else {
		rec.Status = "success"
		rec.Result = result.Content
	}
	iv.audit.Log(rec)
}
