package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies engine failures so clients can decide whether to retry.
type ErrorKind string

const (
	KindChannelUnavailable    ErrorKind = "ChannelUnavailable"
	KindNotEnoughParticipants ErrorKind = "NotEnoughParticipants"
	KindAlreadyCompleted      ErrorKind = "AlreadyCompleted"
	KindOracleParseAmbiguous  ErrorKind = "OracleParseAmbiguous"
	KindNotApproved           ErrorKind = "NotApproved"
	KindInsufficientFunds     ErrorKind = "InsufficientFunds"
	KindLedgerRejected        ErrorKind = "LedgerRejected"
	KindNothingToWithdraw     ErrorKind = "NothingToWithdraw"

	KindNegotiationTimeout    ErrorKind = "NegotiationTimeout"
	KindNegotiationRejected   ErrorKind = "NegotiationRejected"
	KindRoundLimit            ErrorKind = "RoundLimit"
	KindNegotiationInProgress ErrorKind = "NegotiationInProgress"
	KindPoolClosed            ErrorKind = "PoolClosed"
	KindPoolNotFound          ErrorKind = "PoolNotFound"
	KindNotParticipant        ErrorKind = "NotParticipant"
	KindNotVerified           ErrorKind = "NotVerified"
	KindWithdrawalInProgress  ErrorKind = "WithdrawalInProgress"
	KindInvalidParticipant    ErrorKind = "InvalidParticipant"
	KindNotReady              ErrorKind = "NotReady"
	KindExecutionInProgress   ErrorKind = "ExecutionInProgress"
)

// Sentinel errors, one per kind. Compare with errors.Is.
var (
	ErrChannelUnavailable    = errors.New("message channel unavailable")
	ErrNotEnoughParticipants = errors.New("not enough participants")
	ErrAlreadyCompleted      = errors.New("negotiation already completed")
	ErrOracleParseAmbiguous  = errors.New("oracle response ambiguous")
	ErrNotApproved           = errors.New("allowance not granted")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrLedgerRejected        = errors.New("ledger rejected transaction")
	ErrNothingToWithdraw     = errors.New("nothing to withdraw")

	ErrNegotiationTimeout    = errors.New("negotiation timed out")
	ErrNegotiationRejected   = errors.New("negotiation rejected")
	ErrRoundLimit            = errors.New("negotiation round limit exceeded")
	ErrNegotiationInProgress = errors.New("negotiation in progress")
	ErrPoolClosed            = errors.New("pool closed")
	ErrPoolNotFound          = errors.New("pool not found")
	ErrNotParticipant        = errors.New("not a pool participant")
	ErrNotVerified           = errors.New("participant not verified")
	ErrWithdrawalInProgress  = errors.New("withdrawal in progress")
	ErrInvalidParticipant    = errors.New("invalid participant")
	ErrNotReady              = errors.New("pool not ready to stake")
	ErrExecutionInProgress   = errors.New("stake execution in progress")
)

var sentinels = map[ErrorKind]error{
	KindChannelUnavailable:    ErrChannelUnavailable,
	KindNotEnoughParticipants: ErrNotEnoughParticipants,
	KindAlreadyCompleted:      ErrAlreadyCompleted,
	KindOracleParseAmbiguous:  ErrOracleParseAmbiguous,
	KindNotApproved:           ErrNotApproved,
	KindInsufficientFunds:     ErrInsufficientFunds,
	KindLedgerRejected:        ErrLedgerRejected,
	KindNothingToWithdraw:     ErrNothingToWithdraw,
	KindNegotiationTimeout:    ErrNegotiationTimeout,
	KindNegotiationRejected:   ErrNegotiationRejected,
	KindRoundLimit:            ErrRoundLimit,
	KindNegotiationInProgress: ErrNegotiationInProgress,
	KindPoolClosed:            ErrPoolClosed,
	KindPoolNotFound:          ErrPoolNotFound,
	KindNotParticipant:        ErrNotParticipant,
	KindNotVerified:           ErrNotVerified,
	KindWithdrawalInProgress:  ErrWithdrawalInProgress,
	KindInvalidParticipant:    ErrInvalidParticipant,
	KindNotReady:              ErrNotReady,
	KindExecutionInProgress:   ErrExecutionInProgress,
}

// StakeError carries the structured detail a client needs to decide
// whether a failure is worth retrying.
type StakeError struct {
	Kind        ErrorKind
	Participant string
	Amount      string
	TxRef       string
	Detail      string
	Err         error
}

func (e *StakeError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Participant != "" {
		fmt.Fprintf(&b, " participant=%s", e.Participant)
	}
	if e.Amount != "" {
		fmt.Fprintf(&b, " amount=%s", e.Amount)
	}
	if e.TxRef != "" {
		fmt.Fprintf(&b, " tx=%s", e.TxRef)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil && !errors.Is(e.Err, sentinels[e.Kind]) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *StakeError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the ErrorKind of err, or "" if err is not a known engine error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StakeError
	if errors.As(err, &se) {
		return se.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}
