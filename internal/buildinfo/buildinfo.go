package buildinfo

import (
	"runtime/debug"
	"strings"
)

// version can be overridden at link time:
//
//	go build -ldflags "-X github.com/JoeGlenn1213/lgh/internal/buildinfo.version=1.0.4"
var version = "1.0.3"

// Version returns the release version without a leading "v".
func Version() string {
	if version != "" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return "dev"
	}
	v := info.Main.Version
	if v == "" || v == "(devel)" {
		return "dev"
	}
	return strings.TrimPrefix(v, "v")
}

// String is the banner printed by --version.
func String() string {
	return "LGH (LocalGitHub) v" + Version()
}
