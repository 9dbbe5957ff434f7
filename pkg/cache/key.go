package cache

import "strings"

// KeyPrefix namespaces every key written to a shared backend.
const KeyPrefix = "meraki"

// Key builds a namespaced key from parts: meraki:part1:part2.
// Empty parts are skipped and surrounding colons trimmed.
//
// Example:
//
//	Key("problematic_networks") // meraki:problematic_networks
func Key(parts ...string) string {
	out := []string{KeyPrefix}
	for _, p := range parts {
		p = strings.Trim(p, ":")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ":")
}
