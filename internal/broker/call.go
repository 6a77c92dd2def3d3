package broker

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/policy"
	"github.com/agentsh/broker/pkg/observability"
	"github.com/agentsh/broker/pkg/types"
)

// OnMessageReady answers one call from the target.
func (t *Target) OnMessageReady(ctx context.Context, call *crosscall.Call) *crosscall.Return {
	ret, _ := t.Handle(ctx, call)
	return ret
}

// Handle answers one call and reports how it was decided. Pings are
// handled here; everything else goes through the dispatch table. A panic
// anywhere below is converted to ErrorGeneric and terminates the target.
func (t *Target) Handle(ctx context.Context, call *crosscall.Call) (ret *crosscall.Return, decision types.Decision) {
	b := t.broker
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, span := observability.TraceCall(ctx, b.tracer, observability.Call{
		Service:  call.Tag.String(),
		TargetID: t.ID,
		PID:      t.Client.PID,
	})
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			b.metrics.IncPanic()
			b.logger.Error("call handler panicked", "service", call.Tag, "target", t.ID, "panic", r)
			observability.RecordError(span, fmt.Errorf("panic: %v", r))
			ret, decision = crosscall.NewReturn(call.Tag, crosscall.ErrorGeneric), types.DecisionFault
			t.Terminate(fmt.Sprintf("panic while handling %s", call.Tag))
		}
	}()

	if t.Terminated() {
		return crosscall.NewReturn(call.Tag, crosscall.ErrorInvalidTarget), types.DecisionFault
	}
	switch call.Tag {
	case crosscall.TagPing1, crosscall.TagPing2:
		b.metrics.IncPing()
		ret = b.ping(call)
		if ret.Outcome != crosscall.AllOK {
			return ret, types.DecisionFault
		}
		return ret, types.DecisionAllow
	}

	ret, out := b.table.Dispatch(t.env, b, call)
	decision = Decide(ret, out)
	action := actionName(ret, out)
	b.metrics.IncCall(call.Tag.String(), string(decision))
	observability.RecordDecision(span, string(decision), action, out.Resource)
	observability.RecordOutcome(span, ret.Outcome.String(), ret.Status, ret.Win32)
	t.logCall(ctx, call, ret, out, decision, action)

	ev := types.Event{
		Type:     types.EventDecision,
		TargetID: t.ID,
		PID:      int(t.Client.PID),
		Service:  call.Tag.String(),
		Resource: out.Resource,
		Outcome:  ret.Outcome.String(),
		Status:   ret.Status,
		Win32:    ret.Win32,
		Policy: &types.PolicyInfo{
			Decision:  decision,
			Action:    action,
			Evaluated: out.Evaluated,
		},
	}
	b.auditCtx(ctx, ev)

	if out.Evaluated && out.Result == policy.TerminateProcess {
		t.Terminate(fmt.Sprintf("policy requested termination on %s", call.Tag))
	}
	return ret, decision
}

// Decide classifies a dispatched call: fault when it could not be decided,
// allow when a permitting rule matched, deny otherwise.
func Decide(ret *crosscall.Return, out dispatch.Outcome) types.Decision {
	switch {
	case ret.Outcome != crosscall.AllOK, out.Result == policy.EvalError:
		return types.DecisionFault
	case out.Evaluated && permits(out.Result):
		return types.DecisionAllow
	default:
		return types.DecisionDeny
	}
}

// actionName is empty for calls rejected before a decision was reached.
func actionName(ret *crosscall.Return, out dispatch.Outcome) string {
	if !out.Evaluated && ret.Outcome != crosscall.AllOK {
		return ""
	}
	return out.Result.String()
}

func permits(r policy.EvalResult) bool {
	return r == policy.AskBroker || r == policy.GiveReadonly || r == policy.GiveAllAccess
}

func (t *Target) logCall(ctx context.Context, call *crosscall.Call, ret *crosscall.Return, out dispatch.Outcome, d types.Decision, action string) {
	log := t.env.Logger
	attrs := []any{"service", call.Tag.String(), "resource", out.Resource, "action", action}
	switch d {
	case types.DecisionFault:
		log.WarnContext(ctx, "call fault", append(attrs, "outcome", ret.Outcome.String())...)
	case types.DecisionDeny:
		log.InfoContext(ctx, "call denied", attrs...)
	default:
		if !out.Response.Status.IsSuccess() || out.Response.Win32 != 0 {
			log.DebugContext(ctx, "brokered action failed", append(attrs, "status", out.Response.Status.Error(), "win32", uint32(out.Response.Win32))...)
			return
		}
		log.DebugContext(ctx, "call allowed", attrs...)
	}
}

// ping answers the two liveness services. Ping1 echoes a tick count and
// twice the cookie in Extended; Ping2 triples the little-endian cookie in
// its in/out buffer.
func (b *Broker) ping(call *crosscall.Call) *crosscall.Return {
	switch call.Tag {
	case crosscall.TagPing1:
		cookie, ok := call.Uint32(0)
		if !ok || len(call.Args) != 1 {
			return crosscall.NewReturn(call.Tag, crosscall.ErrorBadParams)
		}
		ret := crosscall.NewReturn(call.Tag, crosscall.AllOK)
		_ = ret.SetExtended(uint32(b.Uptime()/time.Millisecond), cookie*2)
		return ret
	default:
		buf, ok := call.Buffer(0)
		if !ok || len(call.Args) != 1 || len(buf) < 4 {
			return crosscall.NewReturn(call.Tag, crosscall.ErrorBadParams)
		}
		out := append([]byte(nil), buf...)
		binary.LittleEndian.PutUint32(out, binary.LittleEndian.Uint32(out)*3)
		ret := crosscall.NewReturn(call.Tag, crosscall.AllOK)
		ret.Buffer = out
		return ret
	}
}

func (b *Broker) audit(ev types.Event) {
	b.auditCtx(context.Background(), ev)
}

func (b *Broker) auditCtx(ctx context.Context, ev types.Event) {
	if b.store == nil {
		b.metrics.IncEvent(ev.Type)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := b.store.AppendEvent(ctx, ev); err != nil {
		b.logger.Warn("audit append failed", "type", ev.Type, "target", ev.TargetID, "error", err)
	}
}
