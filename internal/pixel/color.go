package pixel

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// Color is a normalized "#RRGGBB" string.
type Color string

// Background is the color of a cell nobody has painted.
const Background Color = "#FFFFFF"

// ParseColor accepts a 7 character hex color in any case and returns it
// upper-cased.
func ParseColor(s string) (Color, error) {
	if len(s) != 7 || s[0] != '#' {
		return "", fmt.Errorf("%w: color %q is not #RRGGBB", ErrMalformed, s)
	}
	if _, err := strconv.ParseUint(s[1:], 16, 32); err != nil {
		return "", fmt.Errorf("%w: color %q is not #RRGGBB", ErrMalformed, s)
	}
	return Color(strings.ToUpper(s)), nil
}

// MustColor is ParseColor for literals.
func MustColor(s string) Color {
	c, err := ParseColor(s)
	if err != nil {
		panic(err)
	}
	return c
}

// RGBA converts the color for image output. Invalid colors map to the
// background.
func (c Color) RGBA() color.RGBA {
	v, err := strconv.ParseUint(strings.TrimPrefix(string(c), "#"), 16, 32)
	if err != nil || len(c) != 7 {
		v = 0xFFFFFF
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xFF}
}
