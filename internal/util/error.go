package util

import (
	"context"
	"io"
	"net"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/x/mongo/driver"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

// Server error codes that the harness refers to by name. All server error
// codes can be found at:
// https://github.com/mongodb/mongo/blob/master/src/mongo/base/error_codes.yml
const (
	IllegalOperation         = 20
	AlreadyInitialized       = 23
	NamespaceNotFound        = 26
	NotYetInitialized        = 94
	LockFailed               = 107
	ConflictingOpInProgress  = 117
	CommandNotFound          = 59
	NewReplicaSetConfigError = 103
	InvalidReplicaSetConfig  = 93
	NodeNotFound             = 74
	Interrupted              = 11601
	InterruptedAtShutdown    = 11600
	NotWritablePrimary       = 10107
	OperationFailed          = 96
)

// IsContextCanceledError returns true if this is a Context Canceled error.
func IsContextCanceledError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		strings.Contains(err.Error(), context.Canceled.Error())
}

func isRetryablePoolError(err error) bool {
	rerr, ok := err.(driver.RetryablePoolError)
	return ok && rerr.Retryable()
}

func isServerSelectionError(err error) bool {
	_, ok := err.(topology.ServerSelectionError)
	return ok
}

func isConnectionError(err error) bool {
	if connErr, ok := err.(topology.ConnectionError); ok {
		// Network errors are usually wrapped inside ConnectionError instead of being at top-level.
		return isNetworkError(connErr.Wrapped)
	}

	return false
}

// IsTransientError returns true if this is an error that is reconnectable and
// can be retried: the node is unreachable, stepping down, or still starting.
//
// A command failure that merely reports an unexpected outcome is never
// transient, even if it carries one of the codes below, unless the caller
// asks for it explicitly (see retry.Retryer.WithErrorCodes).
func IsTransientError(err error) bool {
	// Find the root cause.
	err = errors.Cause(err)
	if err == nil {
		return false
	}

	if IsContextCanceledError(err) {
		return false
	}

	if isNetworkError(err) {
		return true
	}

	if isConnectionError(err) {
		return true
	}

	if hasTransientErrorCode(err) {
		return true
	}

	if hasTransientErrorLabel(err) {
		return true
	}

	if isRetryablePoolError(err) {
		return true
	}

	if isServerSelectionError(err) {
		return true
	}

	return false
}

// isNetworkError returns true if this is a NetworkError.
func isNetworkError(err error) bool {
	// Connection errors from syscalls, connection reset by peer, etc.
	if _, ok := err.(net.Error); ok {
		return true
	}

	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return true
	}

	if err.Error() == "no reachable servers" || err.Error() == "connection closed" {
		return true
	}

	// Network errors from the driver
	return mongo.IsNetworkError(err)
}

// Codes that mean “the node is not ready yet” or “the node is changing
// state”. A freshly-provisioned topology returns these routinely.
var transientErrorCodes = mapset.NewSet(
	6,                     // HostUnreachable
	7,                     // HostNotFound
	89,                    // NetworkTimeout
	91,                    // ShutdownInProgress
	NotYetInitialized,     // NotYetInitialized
	133,                   // FailedToSatisfyReadPreference
	189,                   // PrimarySteppedDown
	202,                   // NetworkInterfaceExceededTimeLimit
	384,                   // ConnectionError
	9001,                  // SocketException
	NotWritablePrimary,    // NotWritablePrimary
	InterruptedAtShutdown, // InterruptedAtShutdown
	11602,                 // InterruptedDueToReplStateChange
	13435,                 // NotPrimaryNoSecondaryOk
	13436,                 // NotPrimaryOrSecondary
)

// hasTransientErrorCode returns true if the error has one of a set of known-to-be-transient
// Mongo server error codes.
func hasTransientErrorCode(err error) bool {
	if GetErrorCode(err) == 0 {
		// The server may send "not master" without an error code.
		if strings.Contains(err.Error(), "not master") {
			return true
		}
	}

	var serverError mongo.ServerError
	if !errors.As(err, &serverError) {
		return transientErrorCodes.Contains(GetErrorCode(err))
	}

	for code := range transientErrorCodes.Iter() {
		if serverError.HasErrorCode(code) {
			return true
		}
	}

	return false
}

// These labels come from the mongo source code at
// https://github.com/mongodb/mongo/blob/master/src/mongo/db/error_labels.h. Note
// that the IsNetworkError() func already checks for the "NetworkError" label under the hood,
// so we don't need to include that here.
var transientErrorLabels = [2]string{
	"RetryableWriteError",
	"TransientTransactionError",
}

// hasTransientErrorLabel returns true if the error is a mongo.ServerError with a label
// indicating a transient error.
func hasTransientErrorLabel(err error) bool {
	if err, ok := err.(mongo.ServerError); ok {
		for _, l := range transientErrorLabels {
			if err.HasErrorLabel(l) {
				return true
			}
		}
	}
	return false
}

// GetErrorCode returns the provided error’s top-level error code.
// It returns 0 if the error is nil or not one of the supported error types.
//
// CAUTION: Server errors can contain multiple errors, and inspecting just
// the top-level error code often doesn’t achieve proper error handling.
// Instead consider mongo.ServerError.HasErrorCode().
func GetErrorCode(err error) int {
	if coded, ok := errors.Cause(err).(interface{ ErrorCode() int }); ok {
		return coded.ErrorCode()
	}

	switch e := errors.Cause(err).(type) {
	case mongo.CommandError:
		return int(e.Code)
	case driver.Error:
		return int(e.Code)
	case mongo.WriteError:
		return e.Code
	case mongo.WriteConcernError:
		return e.Code
	case mongo.WriteException:
		for _, we := range e.WriteErrors {
			return GetErrorCode(we)
		}
		if e.WriteConcernError != nil {
			return e.WriteConcernError.Code
		}
		return 0
	case mongo.BulkWriteException:
		for _, ecase := range e.WriteErrors {
			return ecase.Code
		}
		if e.WriteConcernError != nil {
			return e.WriteConcernError.Code
		}
		return 0
	default:
		return 0
	}
}

// HasServerErrorMessage returns true if the error is a mongo ServerError and contains the specified
// error message.
func HasServerErrorMessage(err error, message string) bool {
	cause := errors.Cause(err)
	serverErr, isServerErr := cause.(mongo.ServerError)
	if !isServerErr || serverErr == nil {
		return false
	}
	return serverErr.HasErrorMessage(message)
}
