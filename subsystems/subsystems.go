// Package subsystems defines the interface shared by the hub's long running daemons.
package subsystems

import (
	"context"
)

type Subsystem interface {
	// Start runs the subsystem
	Start(ctx context.Context) error

	// Stop signals the subsystem to shutdown
	Stop(ctx context.Context) error

	// HealthCheck reports if a subsystem is running correctly
	HealthCheck(ctx context.Context) error
}
