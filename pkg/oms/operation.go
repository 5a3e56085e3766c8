package oms

import (
	"github.com/gregtusar/quoter/pkg/models"
	"github.com/gregtusar/quoter/pkg/ratelimit"
)

type OpKind string

const (
	OpCreate    OpKind = "create"
	OpAmend     OpKind = "amend"
	OpCancel    OpKind = "cancel"
	OpCancelAll OpKind = "cancel_all"
)

// Stages are dispatched in order; every op of a stage finishes before the
// next stage starts.
const (
	StageCancel = 0
	StagePlace  = 1
)

type Reason string

const (
	ReasonMissing   Reason = "missing"
	ReasonDrift     Reason = "drift"
	ReasonReplace   Reason = "replace"
	ReasonExtra     Reason = "extra"
	ReasonReshape   Reason = "reshape"
	ReasonSideFlip  Reason = "side_flip"
	ReasonLatency   Reason = "latency"
	ReasonInventory Reason = "inventory"
	ReasonHalted    Reason = "halted"
)

// Operation is one planned exchange call.
type Operation struct {
	Kind   OpKind           `json:"kind"`
	Stage  int              `json:"stage"`
	Batch  string           `json:"batch,omitempty"`
	Side   models.OrderSide `json:"side,omitempty"`
	Role   models.OrderRole `json:"role,omitempty"`
	Reason Reason           `json:"reason"`
	Units  int              `json:"units"`

	// OrderID is the target of an Amend or Cancel.
	OrderID string `json:"order_id,omitempty"`
	// OrderIDs scopes a CancelAll; empty cancels every order on the symbol.
	OrderIDs []string            `json:"order_ids,omitempty"`
	Create   models.OrderRequest `json:"create,omitempty"`
	Amend    models.AmendRequest `json:"amend,omitempty"`
}

// Class maps the operation to the budget it consumes.
func (op Operation) Class() ratelimit.EndpointClass {
	switch op.Kind {
	case OpCreate:
		return ratelimit.ClassCreate
	case OpAmend:
		return ratelimit.ClassAmend
	case OpCancel:
		return ratelimit.ClassCancel
	default:
		return ratelimit.ClassCancelAll
	}
}

// Keys are the order keys the operation touches. Operations sharing a key
// are never in flight together.
func (op Operation) Keys() []string {
	switch op.Kind {
	case OpCreate:
		if op.Create.Type == models.OrderTypeMarket {
			return []string{marketKey(op.Create.Symbol)}
		}
		return []string{op.Create.ClientOrderID}
	case OpCancelAll:
		if len(op.OrderIDs) == 0 {
			return []string{cancelAllKey}
		}
		return op.OrderIDs
	default:
		return []string{op.OrderID}
	}
}

func marketKey(symbol string) string { return "market/" + symbol }

// cancelAllKey marks an unscoped CancelAll. Dispatchers and pending sets are
// per symbol, so it needs no symbol of its own.
const cancelAllKey = "cancel_all"

// Deferred is an operation the plan wanted but did not emit.
type Deferred struct {
	Op    Operation `json:"op"`
	Cause string    `json:"cause"`
	err   error
}

func (d Deferred) Err() error { return d.err }

func deferred(op Operation, err error) Deferred {
	return Deferred{Op: op, Cause: err.Error(), err: err}
}

type Override string

const (
	OverrideNone      Override = ""
	OverrideLatency   Override = "latency"
	OverrideInventory Override = "inventory"
)

// Plan is the output of one reconciliation cycle.
type Plan struct {
	Ops      []Operation `json:"ops"`
	Deferred []Deferred  `json:"deferred"`
	// Skipped lists orders left alone because an earlier operation on them
	// is still in flight.
	Skipped  []string `json:"skipped,omitempty"`
	Override Override `json:"override,omitempty"`
}

// Count returns how many ops of kind the plan holds.
func (p Plan) Count(kind OpKind) int {
	n := 0
	for _, op := range p.Ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Empty reports whether the plan does nothing.
func (p Plan) Empty() bool { return len(p.Ops) == 0 }
