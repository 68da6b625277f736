// Package version orders the loose version strings found in add-on manifests.
package version

import (
	"strconv"
	"strings"
)

// Channel is a coarse release maturity tag.
type Channel string

const (
	Alpha  Channel = "alpha"
	Beta   Channel = "beta"
	Stable Channel = "stable"
)

func (c Channel) rank() int {
	switch c {
	case Alpha:
		return 0
	case Beta:
		return 1
	default:
		return 2
	}
}

// Version is a parsed version string.
type Version struct {
	Parts   []int
	Channel Channel
	Raw     string
}

// Parse extracts the numeric core and channel of v. The numeric core is the first run of
// digits and dots; anything before it (a "v" prefix) or after it (build or pre-release
// qualifiers) only contributes to the channel. Empty or unparsable input yields 0.0.0.
func Parse(v string) Version {
	parsed := Version{Channel: Classify(v), Raw: v}
	for _, part := range strings.Split(numericCore(v), ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			n = 0
		}
		parsed.Parts = append(parsed.Parts, n)
	}
	for len(parsed.Parts) < 3 {
		parsed.Parts = append(parsed.Parts, 0)
	}
	return parsed
}

func numericCore(v string) string {
	start := strings.IndexFunc(v, isDigit)
	if start < 0 {
		return "0"
	}
	end := start
	for end < len(v) && (isDigit(rune(v[end])) || v[end] == '.') {
		end++
	}
	return strings.Trim(v[start:end], ".")
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// Compare returns -1, 0 or 1 as a is older than, equal to or newer than b.
func Compare(a, b string) int {
	return Parse(a).Compare(Parse(b))
}

// Compare orders v against o. Numeric tuples are compared first (zero padded); equal
// tuples fall back to the channel, alpha < beta < stable.
func (v Version) Compare(o Version) int {
	n := max(len(v.Parts), len(o.Parts))
	for i := 0; i < n; i++ {
		a, b := at(v.Parts, i), at(o.Parts, i)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	ra, rb := v.Channel.rank(), o.Channel.rank()
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return 0
}

func at(parts []int, i int) int {
	if i < len(parts) {
		return parts[i]
	}
	return 0
}

// String renders the numeric core followed by the channel when it is not stable.
func (v Version) String() string {
	s := make([]string, len(v.Parts))
	for i, p := range v.Parts {
		s[i] = strconv.Itoa(p)
	}
	out := strings.Join(s, ".")
	if v.Channel != Stable {
		out += "-" + string(v.Channel)
	}
	return out
}

// Classify returns alpha if "alpha" appears in v, beta if "beta" does, stable otherwise.
func Classify(v string) Channel {
	lower := strings.ToLower(v)
	switch {
	case strings.Contains(lower, "alpha"):
		return Alpha
	case strings.Contains(lower, "beta"):
		return Beta
	default:
		return Stable
	}
}
