// Package edgederr defines the stable error kinds surfaced across the
// request pipeline, proxy engine, supervisor and consensus log. Each
// kind carries a stable code and a short human message; a correlation
// id is attached by the orchestrator, not here.
package edgederr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfig             Kind = "config_error"
	KindTransientNetwork   Kind = "transient_network_error"
	KindUpstreamProtocol   Kind = "upstream_protocol_error"
	KindBadRequest         Kind = "bad_request"
	KindPolicyRejection    Kind = "policy_rejection"
	KindSecurityViolation  Kind = "security_violation"
	KindConsensusNotLeader Kind = "consensus_not_leader"
	KindConsensusQuorum    Kind = "consensus_quorum_lost"
	KindConsensusConflict  Kind = "consensus_log_conflict"
	KindSupervisorBudget   Kind = "supervisor_restart_budget_exhausted"
)

// Error is the wrapped form carried through the pipeline. Status is the
// HTTP status the orchestrator should write when the error reaches the
// edge of the request lifecycle; it is zero for errors that never reach
// an HTTP response (e.g. consensus errors handled internally).
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, status int, message string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, Err: cause}
}

func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

var (
	ErrNotLeader   = New(KindConsensusNotLeader, 0, "not the current leader", nil)
	ErrQuorumLost  = New(KindConsensusQuorum, 0, "no quorum available", nil)
	ErrLogConflict = New(KindConsensusConflict, 0, "log term/index conflict", nil)
)
