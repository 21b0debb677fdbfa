package plugin

import (
	"regexp"
	"strings"
)

// semverPattern validates version strings (MAJOR.MINOR.PATCH[-pre][+build]).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// IsSemver reports whether s is a valid semantic version.
func IsSemver(s string) bool {
	return semverPattern.MatchString(s)
}

// VersionComponents returns the numeric components of a version string as
// digit strings without leading zeros. Pre-release and build suffixes are
// dropped and non-numeric components count as zero. Components are kept as
// strings so arbitrarily large numbers still order correctly.
func VersionComponents(v string) []string {
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ".")
	nums := make([]string, len(parts))
	for i, p := range parts {
		nums[i] = normalizeDigits(p)
	}
	return nums
}

func normalizeDigits(s string) string {
	for _, r := range s {
		if r < '0' || r > '9' {
			return "0"
		}
	}
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

// compareDigits orders two normalized digit strings numerically.
func compareDigits(x, y string) int {
	switch {
	case len(x) != len(y):
		if len(x) < len(y) {
			return -1
		}
		return 1
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// CompareVersions compares two versions component by component, numerically.
// Missing components are treated as zero, so "1.2" equals "1.2.0".
// Returns -1 if a < b, 0 if equal, 1 if a > b.
func CompareVersions(a, b string) int {
	av, bv := VersionComponents(a), VersionComponents(b)
	n := max(len(av), len(bv))
	for i := 0; i < n; i++ {
		x, y := "0", "0"
		if i < len(av) {
			x = av[i]
		}
		if i < len(bv) {
			y = bv[i]
		}
		if c := compareDigits(x, y); c != 0 {
			return c
		}
	}
	return 0
}
