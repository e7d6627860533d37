package engine

import (
	"errors"
	"fmt"
)

// Machine-readable codes for resource and state errors. API and CLI surfaces
// map these onto their own envelopes without string matching.
const (
	CodeMissionNotFound     = "MISSION_NOT_FOUND"
	CodeAgentNotFound       = "AGENT_NOT_FOUND"
	CodeInvalidStatus       = "INVALID_STATUS"
	CodeBiddingInProgress   = "BIDDING_IN_PROGRESS"
	CodeBiddingClosed       = "BIDDING_CLOSED"
	CodeWorkerNotAssigned   = "WORKER_NOT_ASSIGNED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeBondTooLow          = "BOND_TOO_LOW"
	CodeDuplicateBond       = "DUPLICATE_BOND"
	CodeDuplicateBid        = "DUPLICATE_BID"
	CodeDuplicateEscrow     = "DUPLICATE_ESCROW"
	CodeScoreTie            = "SCORE_TIE"
	CodeNoEligibleAgents    = "NO_ELIGIBLE_AGENTS"
	CodeAlreadySettled      = "ALREADY_SETTLED"
	CodeNotEnoughVerifiers  = "NOT_ENOUGH_VERIFIERS"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeForbidden           = "FORBIDDEN"
)

// ErrIntegrity marks a commit-then-readback mismatch. It is fatal for the
// operation: the store no longer reflects what was written, so no retry.
var ErrIntegrity = errors.New("persistence integrity violation")

// CodedError pairs a machine code with a human message.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func coded(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the machine code from an error chain, empty if none.
func CodeOf(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
