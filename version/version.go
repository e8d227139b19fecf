// Copyright 2024 Fortio Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package version holds the fuzzsync version and build information.
// The reusable machinery lives in [fortio.org/version].
package version // import "fortio.org/fuzzsync/version"
import (
	"fortio.org/version"
)

var (
	// The following are (re)computed in init().
	shortVersion = "dev"
	longVersion  = "unknown long"
	fullVersion  = "unknown full"
)

// Short returns the 3 digit short fuzzsync version string Major.Minor.Patch,
// matching the project git tag (without the leading v) or "dev" when not
// built from a tag.
func Short() string {
	return shortVersion
}

// Long returns the long fuzzsync version and build information.
// Format is "X.Y.X hash go-version processor os".
func Long() string {
	return longVersion
}

// Full returns the Long version plus all the run time BuildInfo, ie all the
// dependent modules and their version and hash.
func Full() string {
	return fullVersion
}

// This "burns in" the fuzzsync version, from the build info of this module.
func init() { //nolint:gochecknoinits // we do need an init for this
	shortVersion, longVersion, fullVersion = version.FromBuildInfoPath("fortio.org/fuzzsync")
}
