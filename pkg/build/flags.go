// SPDX-License-Identifier: MIT
//
// Package build exposes metadata embedded with linker flags, e.g.
//
//	go build -ldflags "-X micstream/pkg/build.buildVersion=0.2.0 \
//	    -X micstream/pkg/build.buildCommit=$(git rev-parse --short HEAD) \
//	    -X micstream/pkg/build.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Development builds run without them and report "dev".
package build

import (
	"errors"
	"fmt"
)

const (
	defaultName        = "micstream"
	defaultDescription = "Microphone capture with live levels over a WebSocket bridge"
	unset              = "dev"
)

// Info describes the running binary.
type Info struct {
	Name        string
	Description string
	Time        string
	Commit      string
	Version     string
}

// String formats the version line shown by --version.
func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", i.Name, i.Version, i.Commit, i.Time)
}

// Package-level variables populated by -ldflags.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	info         = defaultInfo()
)

func defaultInfo() *Info {
	return &Info{
		Name:        defaultName,
		Description: defaultDescription,
		Time:        unset,
		Commit:      unset,
		Version:     unset,
	}
}

// Initialize copies the ldflags values into Info. Every flag that is set is
// applied; the returned error lists those that were not, which callers may
// treat as a development build.
func Initialize() error {
	var errs []error
	apply := func(dst *string, val, flag string) {
		if val == "" {
			errs = append(errs, fmt.Errorf("%s is required", flag))
			return
		}
		*dst = val
	}
	apply(&info.Name, buildName, "BuildName")
	apply(&info.Time, buildTime, "BuildTime")
	apply(&info.Commit, buildCommit, "BuildCommit")
	apply(&info.Version, buildVersion, "BuildVersion")
	return errors.Join(errs...)
}

// Get returns the build information.
func Get() Info {
	return *info
}
