package version

import (
	"fmt"
	"runtime"
)

// Build information. Populated at build time via -ldflags.
var (
	// GitRelease is the semantic version or tag of this build.
	GitRelease = "dev"

	// GitCommit is the git commit hash of this build.
	GitCommit = "unknown"

	// GitCommitDate is the commit date of this build.
	GitCommitDate = "unknown"

	// GoInfo describes the Go toolchain and platform.
	GoInfo = fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
)
