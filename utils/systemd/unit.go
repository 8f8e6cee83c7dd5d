package systemd

import (
	"strings"

	"github.com/pkg/errors"
	sysd "github.com/sergeymakinen/go-systemdconf/v2"
	"github.com/sergeymakinen/go-systemdconf/v2/unit"
)

// UnitSpec describes a long running hub daemon.
type UnitSpec struct {
	Description string
	ExecStart   []string
	After       []string
	Wants       []string
}

// GenerateServiceFile renders a simple always-restarting service unit.
func GenerateServiceFile(spec UnitSpec) ([]byte, error) {
	if len(spec.ExecStart) == 0 {
		return nil, errors.New("unit needs a command to execute")
	}

	svc := &unit.ServiceFile{
		Unit: unit.UnitSection{
			Description: sysd.Value{spec.Description},
		},
		Service: unit.ServiceSection{
			Type:       sysd.Value{"exec"},
			ExecStart:  sysd.Value{strings.Join(spec.ExecStart, " ")},
			Restart:    sysd.Value{"always"},
			RestartSec: sysd.Value{"5"},
		},
		Install: unit.InstallSection{
			WantedBy: sysd.Value{"multi-user.target"},
		},
	}
	if len(spec.After) > 0 {
		svc.Unit.After = sysd.Value{strings.Join(spec.After, " ")}
	}
	if len(spec.Wants) > 0 {
		svc.Unit.Wants = sysd.Value{strings.Join(spec.Wants, " ")}
	}

	out, err := sysd.Marshal(svc)
	if err != nil {
		return nil, errors.Wrapf(err, "marshaling unit for %s", spec.Description)
	}
	return out, nil
}
