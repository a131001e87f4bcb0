/*
Package errs defines the failure classes shared by the codecs, the oracle and the relay.
Call sites wrap these values with github.com/pkg/errors, so callers match them with errors.Is.
*/
package errs

import "github.com/pkg/errors"

var (
	// ErrMalformedInput is returned when a byte string violates its wire format.
	ErrMalformedInput = errors.New("malformed input")
	// ErrUnauthorized is returned when the caller lacks the role an operation requires.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAlreadyFinal is returned when a terminal record would be written twice.
	ErrAlreadyFinal = errors.New("already final")
	// ErrInsufficientQuorum is returned when a candidate has fewer votes than the threshold.
	ErrInsufficientQuorum = errors.New("insufficient quorum")
	// ErrInsufficientFunds is returned when attached value is below what an operation spends.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidArgument is returned for inconsistent or out of range arguments.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotConfigured is returned when a required collaborator or setting is missing.
	ErrNotConfigured = errors.New("not configured")
	// ErrNotConfirmed is returned when a header refers to a block number with no confirmed hash.
	ErrNotConfirmed = errors.New("block hash not confirmed")
	// ErrHashMismatch is returned when a header hash differs from the confirmed hash.
	ErrHashMismatch = errors.New("block hash does not match")
)
