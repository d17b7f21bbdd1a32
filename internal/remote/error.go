package remote

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// CommandError is a failure that the server reported for a command. It
// passes the server's own error code through to the caller.
type CommandError struct {
	Code    int
	Name    string
	Message string
	Command string
	Labels  []string
}

var _ error = &CommandError{}

// NewCommandError builds a CommandError.
func NewCommandError(command string, code int, name, message string) *CommandError {
	return &CommandError{
		Code:    code,
		Name:    name,
		Message: message,
		Command: command,
	}
}

func (ce *CommandError) Error() string {
	return fmt.Sprintf(
		"command %#q failed (%s, code %d): %s",
		ce.Command,
		ce.Name,
		ce.Code,
		ce.Message,
	)
}

// ErrorCode returns the server's error code.
func (ce *CommandError) ErrorCode() int {
	return ce.Code
}

// HasErrorLabel reports whether the server attached the given label.
func (ce *CommandError) HasErrorLabel(label string) bool {
	return lo.Contains(ce.Labels, label)
}

// AsCommandError extracts a *CommandError from err's chain.
func AsCommandError(err error) (*CommandError, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce, true
	}

	return nil, false
}

// HasCode reports whether err is a server failure with one of the codes.
func HasCode(err error, codes ...int) bool {
	ce, ok := AsCommandError(err)
	return ok && lo.Contains(codes, ce.Code)
}

// FromDriverError converts the driver's server errors to *CommandError.
// Network and client-side errors are returned unchanged so that
// transient-error classification still sees them.
func FromDriverError(err error, cmd bson.D) error {
	if err == nil {
		return nil
	}

	cmdName := ""
	if len(cmd) > 0 {
		cmdName = cmd[0].Key
	}

	var driverErr mongo.CommandError
	if errors.As(err, &driverErr) && driverErr.Code != 0 {
		return &CommandError{
			Code:    int(driverErr.Code),
			Name:    driverErr.Name,
			Message: driverErr.Message,
			Command: cmdName,
			Labels:  driverErr.Labels,
		}
	}

	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) && len(writeErr.WriteErrors) > 0 {
		we := writeErr.WriteErrors[0]
		return &CommandError{
			Code:    we.Code,
			Message: we.Message,
			Command: cmdName,
			Labels:  writeErr.Labels,
		}
	}

	return errors.Wrapf(err, "failed to run %#q", cmdName)
}
