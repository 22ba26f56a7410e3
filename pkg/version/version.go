// Package version reports what build of vigild is running. The commit hash
// comes from an -ldflags override when set, otherwise from the VCS stamp the
// Go toolchain embeds, otherwise "dev".
package version

import "runtime/debug"

// AppName prefixes version strings in the startup banner and the control
// API's status payload.
const AppName = "vigil"

// commit may be injected at build time:
//
//	go build -ldflags "-X github.com/vigil-dev/vigil/pkg/version.commit=$(git rev-parse HEAD)"
//
// Needed where the module is built outside its checkout and no VCS stamp
// exists.
var commit string

// GitCommit is the short (8-character) commit hash identifying this build,
// or "dev" when nothing better is known.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "vigil/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
