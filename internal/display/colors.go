package display

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color represents terminal color options
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorCyan
	ColorWhite
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
	ColorBrightBlue
)

// ColorTheme defines colors for each kind of message
type ColorTheme struct {
	Primary Color
	Success Color
	Warning Color
	Error   Color
	Info    Color
	Muted   Color
}

// DarkColorTheme suits dark terminals
func DarkColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBrightBlue,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorCyan,
		Muted:   ColorWhite,
	}
}

// LightColorTheme suits light terminals
func LightColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBlue,
		Success: ColorGreen,
		Warning: ColorYellow,
		Error:   ColorRed,
		Info:    ColorCyan,
		Muted:   ColorReset,
	}
}

// ThemeByName returns the named theme, dark when unknown
func ThemeByName(name string) ColorTheme {
	if name == "light" {
		return LightColorTheme()
	}
	return DarkColorTheme()
}

// colorizer applies colors when the output supports them
type colorizer struct {
	enabled bool
	colors  map[Color]*color.Color
}

func newColorizer(enabled bool) *colorizer {
	c := &colorizer{
		enabled: enabled,
		colors: map[Color]*color.Color{
			ColorReset:        color.New(color.Reset),
			ColorRed:          color.New(color.FgRed),
			ColorGreen:        color.New(color.FgGreen),
			ColorYellow:       color.New(color.FgYellow),
			ColorBlue:         color.New(color.FgBlue),
			ColorCyan:         color.New(color.FgCyan),
			ColorWhite:        color.New(color.FgWhite),
			ColorBrightRed:    color.New(color.FgHiRed),
			ColorBrightGreen:  color.New(color.FgHiGreen),
			ColorBrightYellow: color.New(color.FgHiYellow),
			ColorBrightBlue:   color.New(color.FgHiBlue),
		},
	}
	for _, fc := range c.colors {
		if enabled {
			fc.EnableColor()
		} else {
			fc.DisableColor()
		}
	}
	return c
}

func (c *colorizer) Sprint(clr Color, text string) string {
	if !c.enabled {
		return text
	}
	if fc, ok := c.colors[clr]; ok {
		return fc.Sprint(text)
	}
	return text
}

func (c *colorizer) Sprintf(clr Color, format string, args ...interface{}) string {
	return c.Sprint(clr, fmt.Sprintf(format, args...))
}

// DetectColorSupport reports whether stdout is a color capable terminal
func DetectColorSupport() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return false
	}
	return termenv.ColorProfile() != termenv.Ascii
}
