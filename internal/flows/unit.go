// Package flows implements the account protocols: key issuance, account
// disclosure and state synchronisation. Each protocol is an explicit state
// machine driven over a session, and every run belongs to a unit of work
// chosen by the caller.
package flows

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/metrics"
)

// Unit is one logical unit of work. Nested steps share the id of the unit
// that started them.
type Unit struct {
	ID    uuid.UUID
	Depth int
	Flow  string
	log   log.Logger
}

// Logger returns the logger of the unit.
func (u *Unit) Logger() log.Logger {
	return u.log
}

// CallContext tells a protocol whether it starts a new unit of work or
// continues the caller's.
type CallContext struct {
	parent *Unit
}

// Fresh runs the call as a new top-level unit of work.
func Fresh() CallContext {
	return CallContext{}
}

// Within runs the call as a step of u.
func Within(u *Unit) CallContext {
	return CallContext{parent: u}
}

// Nested reports whether the call continues an existing unit.
func (c CallContext) Nested() bool {
	return c.parent != nil
}

// Runner starts units of work.
type Runner struct {
	log log.Logger
}

// NewRunner returns a runner logging with l.
func NewRunner(l log.Logger) *Runner {
	return &Runner{log: l.Named("flows")}
}

// Run executes fn as the unit selected by call. A fresh unit logs with the
// logger attached to ctx, if any, so responders keep the fields of their
// session. A panic in fn is returned as an error.
func (r *Runner) Run(ctx context.Context, call CallContext, flow, role string, fn func(context.Context, *Unit) error) (err error) {
	var u *Unit
	if call.parent == nil {
		id := uuid.New()
		base, ok := log.FromContext(ctx)
		if !ok {
			base = r.log
		}
		u = &Unit{ID: id, Flow: flow, log: base.With("unit", id, "flow", flow)}
	} else {
		p := call.parent
		u = &Unit{ID: p.ID, Depth: p.Depth + 1, Flow: p.Flow, log: p.log.With("step", flow)}
	}
	ctx = log.ToContext(ctx, u.log)

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s %s panicked: %v", flow, role, rec)
		}
		if err != nil {
			u.log.Warnw("flow failed", "role", role, "depth", u.Depth, "err", err)
		} else {
			u.log.Debugw("flow done", "role", role, "depth", u.Depth)
		}
		metrics.ProtocolRuns.WithLabelValues(flow, role, metrics.Outcome(err)).Inc()
	}()

	return fn(ctx, u)
}
