// platform.go maps free-text platform reports onto the fixed set of platform
// names the aggregates track. Unknown values are rejected at the boundary so
// the aggregate maps stay bounded.
package stats

import "strings"

// knownPlatforms is the closed set of accepted Minecraft platform names.
var knownPlatforms = map[string]string{
	"bukkit":        "bukkit",
	"craftbukkit":   "bukkit",
	"spigot":        "spigot",
	"paper":         "paper",
	"papermc":       "paper",
	"sponge":        "sponge",
	"spongevanilla": "sponge",
	"spongeforge":   "sponge",
	"bungeecord":    "bungeecord",
	"waterfall":     "waterfall",
	"velocity":      "velocity",
	"nukkit":        "nukkit",
	"glowstone":     "glowstone",
}

// ResolvePlatform maps a reported platform string onto its canonical name.
// The second return is false for values outside the known set.
func ResolvePlatform(reported string) (string, bool) {
	canonical, ok := knownPlatforms[strings.ToLower(strings.TrimSpace(reported))]
	return canonical, ok
}
