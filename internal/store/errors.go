package store

import "fmt"

// Code is the error taxonomy every public mutation/read tags its failures
// with, mirrored after the teacher's ValidationError/RateLimitError shape:
// a stable machine-readable field plus a human string.
type Code string

const (
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeProjectMismatch   Code = "PROJECT_MISMATCH"
	CodePeerUntrusted     Code = "PEER_UNTRUSTED"
	CodeFingerprintMismatch Code = "FINGERPRINT_MISMATCH"
	CodeConnectivity      Code = "CONNECTIVITY"
	CodeProtocol          Code = "PROTOCOL"
	CodeClassifierAuth    Code = "CLASSIFIER_AUTH"
	CodeIntegrity         Code = "INTEGRITY"
)

// TaggedError is a local, recoverable error reported alongside partial
// results rather than aborting the caller's whole request.
type TaggedError struct {
	Code  Code
	Input any
	Msg   string
}

func (e *TaggedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func newTaggedError(code Code, input any, msg string) *TaggedError {
	return &TaggedError{Code: code, Input: input, Msg: msg}
}
