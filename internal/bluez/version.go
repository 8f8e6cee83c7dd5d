package bluez

import (
	"context"
	"os/exec"
	"regexp"

	semver "github.com/Masterminds/semver/v3"
	errw "github.com/pkg/errors"
)

// MinimumVersion is the first BlueZ release with a stable LEAdvertisingManager1.
var MinimumVersion = semver.MustParse("5.43")

var versionRegex = regexp.MustCompile(`([0-9]+\.[0-9]+(?:\.[0-9]+)?)`)

// ParseVersion extracts the version from `bluetoothctl --version` style output.
func ParseVersion(output string) (*semver.Version, error) {
	match := versionRegex.FindStringSubmatch(output)
	if len(match) < 2 {
		return nil, errw.Errorf("no bluez version found in %q", output)
	}
	ver, err := semver.NewVersion(match[1])
	if err != nil {
		return nil, errw.Wrapf(err, "parsing bluez version %q", match[1])
	}
	return ver, nil
}

// CheckVersion makes sure the installed bluetoothd is new enough.
func CheckVersion(ctx context.Context) (*semver.Version, error) {
	var output []byte
	var err error
	for _, bin := range []string{"bluetoothctl", "bluetoothd"} {
		output, err = exec.CommandContext(ctx, bin, "--version").Output()
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, errw.Wrap(err, "bluez is not installed or not accessible")
	}

	ver, err := ParseVersion(string(output))
	if err != nil {
		return nil, err
	}
	if ver.LessThan(MinimumVersion) {
		return ver, errw.Errorf("bluez version is %s, but %s or later is required", ver, MinimumVersion)
	}
	return ver, nil
}
