package scheduling

import "fmt"

// Actor classifies the caller relative to the record being transitioned.
type Actor int

const (
	ActorOther Actor = iota
	ActorOwner
	ActorAdmin
)

func (a Actor) String() string {
	switch a {
	case ActorOwner:
		return "owner"
	case ActorAdmin:
		return "admin"
	default:
		return "other"
	}
}

// ActorFor derives the actor kind of caller with respect to rec.
func ActorFor(caller Caller, rec *IntakeRecord) Actor {
	if caller.Admin {
		return ActorAdmin
	}
	if caller.AccountID != "" && caller.AccountID == rec.OwnerID {
		return ActorOwner
	}
	return ActorOther
}

type edge struct {
	from, to Status
}

type rule struct {
	actors   []Actor
	reserves bool
	releases bool
}

// transitions is the complete lifecycle table. Anything absent is illegal.
var transitions = map[edge]rule{
	{StatusPending, StatusScheduled}:   {actors: []Actor{ActorOwner, ActorAdmin}, reserves: true},
	{StatusScheduled, StatusCompleted}: {actors: []Actor{ActorAdmin}},
	{StatusScheduled, StatusCancelled}: {actors: []Actor{ActorOwner, ActorAdmin}, releases: true},
	{StatusPending, StatusCancelled}:   {actors: []Actor{ActorOwner, ActorAdmin}},
}

// Allowed reports whether actor may move a record from one status to another.
func Allowed(from, to Status, actor Actor) bool {
	r, ok := transitions[edge{from, to}]
	if !ok {
		return false
	}
	for _, a := range r.actors {
		if a == actor {
			return true
		}
	}
	return false
}

// CheckTransition returns a *TransitionError when the edge is not in the
// table, and an ErrForbidden-wrapped error when the edge exists but actor may
// not take it.
func CheckTransition(from, to Status, actor Actor) error {
	if _, ok := transitions[edge{from, to}]; !ok {
		return &TransitionError{From: from, To: to}
	}
	if !Allowed(from, to, actor) {
		return fmt.Errorf("%w: %s may not move %s -> %s", ErrForbidden, actor, from, to)
	}
	return nil
}

// ReservesSlot reports whether the edge is guarded by a slot reservation.
func ReservesSlot(from, to Status) bool {
	return transitions[edge{from, to}].reserves
}

// ReleasesSlot reports whether taking the edge frees the record's slot.
func ReleasesSlot(from, to Status) bool {
	return transitions[edge{from, to}].releases
}
