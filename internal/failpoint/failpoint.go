// Package failpoint toggles server failpoints via configureFailPoint.
package failpoint

import (
	"context"

	"github.com/10gen/mongo-harness/internal/remote"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// Mode is a configureFailPoint mode.
type Mode struct {
	value any
}

var (
	// AlwaysOn arms the failpoint until it is turned off.
	AlwaysOn = Mode{"alwaysOn"}

	// Off disarms the failpoint.
	Off = Mode{"off"}
)

// Times arms the failpoint for its next n hits.
func Times(n int) Mode {
	return Mode{bson.D{{"times", n}}}
}

// Skip arms the failpoint after its next n hits.
func Skip(n int) Mode {
	return Mode{bson.D{{"skip", n}}}
}

// IsOff reports whether the mode disarms the failpoint.
func (m Mode) IsOff() bool {
	s, ok := m.value.(string)
	return ok && s == "off"
}

// FailPoint is one configureFailPoint request.
type FailPoint struct {
	Name string
	Mode Mode
	Data bson.D
}

// Command returns the configureFailPoint command document.
func (fp FailPoint) Command() bson.D {
	mode := fp.Mode.value
	if mode == nil {
		mode = AlwaysOn.value
	}

	cmd := bson.D{
		{"configureFailPoint", fp.Name},
		{"mode", mode},
	}

	if len(fp.Data) > 0 {
		cmd = append(cmd, bson.E{"data", fp.Data})
	}

	return cmd
}

// Configure sends the failpoint to the node.
func Configure(ctx context.Context, conn remote.Conn, fp FailPoint) error {
	_, err := conn.RunCommand(ctx, "admin", fp.Command())
	return errors.Wrapf(err, "failed to set failpoint %#q on %#q", fp.Name, conn.Endpoint())
}

// Arm turns the named failpoint on until disarmed.
func Arm(ctx context.Context, conn remote.Conn, name string) error {
	return Configure(ctx, conn, FailPoint{Name: name, Mode: AlwaysOn})
}

// Disarm turns the named failpoint off.
func Disarm(ctx context.Context, conn remote.Conn, name string) error {
	return Configure(ctx, conn, FailPoint{Name: name, Mode: Off})
}
