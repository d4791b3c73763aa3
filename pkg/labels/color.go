package labels

import (
	"fmt"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/colornames"
)

// NormalizeColor converts a configured color into GitHub's representation:
// six lowercase hex digits without a leading '#'.
//
// Accepted inputs are "#rrggbb", "rrggbb", "#rgb", "rgb" and CSS/SVG color
// names such as "red" or "lightseagreen".
func NormalizeColor(value string) (string, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return "", fmt.Errorf("color cannot be empty")
	}

	if named, ok := colornames.Map[strings.ToLower(raw)]; ok {
		c, _ := colorful.MakeColor(named)
		return strings.TrimPrefix(c.Hex(), "#"), nil
	}

	hex := strings.TrimPrefix(raw, "#")
	if (len(hex) != 3 && len(hex) != 6) || strings.Trim(strings.ToLower(hex), "0123456789abcdef") != "" {
		return "", fmt.Errorf("invalid color %q: expected a hex value or a color name", value)
	}

	c, err := colorful.Hex("#" + hex)
	if err != nil {
		return "", fmt.Errorf("invalid color %q: %w", value, err)
	}

	// Hex() rounds through floats; the parsed digits are already exact.
	if len(hex) == 6 {
		return strings.ToLower(hex), nil
	}
	return strings.TrimPrefix(c.Hex(), "#"), nil
}

// FormatColor renders a normalized color for humans.
func FormatColor(color string) string {
	if color == "" {
		return ""
	}
	return "#" + color
}
