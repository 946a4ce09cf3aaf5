package components

import (
	"strings"

	"golang.org/x/mod/semver"
)

// LandingPage is the placeholder version of a primary application that
// only serves the onboarding page.
const LandingPage = "landingpage"

// canonical turns "2021.4.0" or "0.112.0" into a semver string. Leading
// zeros are stripped so calendar versions such as 2021.04.1 stay valid.
// Versions that cannot be expressed as semver yield "".
func canonical(version string) string {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	if v == "" {
		return ""
	}

	core, suffix := v, ""
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		core, suffix = v[:i], v[i:]
	} else if i := strings.IndexAny(v, "abd"); i > 0 {
		// 2021.5.0b1 / 2021.5.0.dev20210501 style pre-releases
		core, suffix = v[:i], "-"+v[i:]
	}

	parts := strings.Split(strings.TrimSuffix(core, "."), ".")
	for i, p := range parts {
		trimmed := strings.TrimLeft(p, "0")
		if trimmed == "" {
			trimmed = "0"
		}
		parts[i] = trimmed
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}

	c := "v" + strings.Join(parts, ".") + strings.ReplaceAll(suffix, ".", "")
	if !semver.IsValid(c) {
		return ""
	}
	return c
}

// IsValidVersion reports whether version can be ordered.
func IsValidVersion(version string) bool {
	return canonical(version) != ""
}

// CompareVersions returns -1, 0 or 1. Versions that cannot be ordered compare
// as equal so they never trigger an update.
func CompareVersions(a, b string) int {
	ca, cb := canonical(a), canonical(b)
	if ca == "" || cb == "" {
		return 0
	}
	return semver.Compare(ca, cb)
}

// IsNewer reports whether candidate is strictly newer than current.
func IsNewer(candidate, current string) bool {
	if current == "" && IsValidVersion(candidate) {
		return true
	}
	return CompareVersions(candidate, current) > 0
}

// AtLeast reports whether version is greater than or equal to minimum.
func AtLeast(version, minimum string) bool {
	if !IsValidVersion(version) || !IsValidVersion(minimum) {
		return false
	}
	return CompareVersions(version, minimum) >= 0
}
