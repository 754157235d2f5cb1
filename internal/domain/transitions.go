package domain

import "github.com/forkernet/forker/internal/ferrors"

// edgeSet is an allow-list of (from, to) transitions for one state machine.
type edgeSet[S comparable] map[S]map[S]bool

func newEdgeSet[S comparable](edges map[S][]S) edgeSet[S] {
	es := make(edgeSet[S], len(edges))
	for from, tos := range edges {
		set := make(map[S]bool, len(tos))
		for _, to := range tos {
			set[to] = true
		}
		es[from] = set
	}
	return es
}

// allowed reports whether from -> to is a valid edge.
func (es edgeSet[S]) allowed(from, to S) bool {
	tos, ok := es[from]
	if !ok {
		return false
	}
	return tos[to]
}

// check validates from -> to, returning an InvalidTransition error naming
// entity if the edge is not in the allow-list.
func (es edgeSet[S]) check(entity string, from, to S, fmtState func(S) string) error {
	if from == to {
		return ferrors.InvalidTransition(entity, fmtState(from), fmtState(to))
	}
	if !es.allowed(from, to) {
		return ferrors.InvalidTransition(entity, fmtState(from), fmtState(to))
	}
	return nil
}
