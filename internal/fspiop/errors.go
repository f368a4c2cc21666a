package fspiop

import (
	"fmt"
)

// ErrorKind is the closed set of FSPIOP errors the position engine can raise.
// Kinds are mapped to their wire code and description only when a payload is built.
type ErrorKind int

const (
	KindInternalServerError ErrorKind = iota + 1
	KindValidationError
	KindModifiedRequest
	KindPayerFSPInsufficientLiquidity
	KindPayerLimitError
	KindPayeeRejection
)

type kindInfo struct {
	name        string
	code        string
	description string
}

var kinds = map[ErrorKind]kindInfo{
	KindInternalServerError:           {"INTERNAL_SERVER_ERROR", "2001", "Internal server error"},
	KindValidationError:               {"VALIDATION_ERROR", "3100", "Generic validation error"},
	KindModifiedRequest:               {"MODIFIED_REQUEST", "3106", "Modified request"},
	KindPayerFSPInsufficientLiquidity: {"PAYER_FSP_INSUFFICIENT_LIQUIDITY", "4001", "Payer FSP insufficient liquidity"},
	KindPayerLimitError:               {"PAYER_LIMIT_ERROR", "4200", "Payer limit error"},
	KindPayeeRejection:                {"PAYEE_REJECTION", "5100", "Payee rejection error"},
}

func (k ErrorKind) Name() string { return kinds[k].name }
func (k ErrorKind) Code() string { return kinds[k].code }
func (k ErrorKind) Description() string { return kinds[k].description }

func (k ErrorKind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

func (k ErrorKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
	return k.Name()
}

// KindFromCode resolves a wire code back to its kind.
func KindFromCode(code string) (ErrorKind, bool) {
	for k, info := range kinds {
		if info.code == code {
			return k, true
		}
	}
	return 0, false
}

// ErrorInformation is the FSPIOP error body.
type ErrorInformation struct {
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
}

// APIErrorObject is the payload shape FSPs receive: {"errorInformation": {...}}.
type APIErrorObject struct {
	ErrorInformation ErrorInformation `json:"errorInformation"`
}

// ToAPIErrorObject formats a kind for the wire. A non-empty message is
// appended to the standard description.
func (k ErrorKind) ToAPIErrorObject(message string) APIErrorObject {
	desc := k.Description()
	if message != "" {
		desc = desc + " - " + message
	}
	return APIErrorObject{ErrorInformation: ErrorInformation{
		ErrorCode:        k.Code(),
		ErrorDescription: desc,
	}}
}

// Error is a protocol violation raised by the engine. It is fatal to the bin.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind ErrorKind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind.Name(), e.Kind.Code(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind.Name(), e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }
