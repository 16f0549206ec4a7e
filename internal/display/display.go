// Package display renders command output for terminals and scripts
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputFormat selects how results are written
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// IsValid reports whether f is a known format
func (f OutputFormat) IsValid() bool {
	return f == FormatTable || f == FormatJSON || f == FormatYAML
}

// Config holds display options
type Config struct {
	Format   OutputFormat
	Color    bool
	Theme    string
	Quiet    bool
	MaxWidth int
	Writer   io.Writer
}

// DefaultConfig writes tables to stdout, colored when it is a terminal
func DefaultConfig() *Config {
	return &Config{
		Format: FormatTable,
		Color:  DetectColorSupport(),
		Theme:  "dark",
		Writer: os.Stdout,
	}
}

// Service writes headers, status lines, tables and structured values
type Service struct {
	config *Config
	colors *colorizer
	theme  ColorTheme
	w      io.Writer
}

// New creates a display service
func New(config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if !config.Format.IsValid() {
		config.Format = FormatTable
	}
	return &Service{
		config: config,
		colors: newColorizer(config.Color),
		theme:  ThemeByName(config.Theme),
		w:      config.Writer,
	}
}

// Structured reports whether output is machine readable
func (s *Service) Structured() bool {
	return s.config.Format != FormatTable
}

// Header prints a banner
func (s *Service) Header(title string) {
	if s.config.Quiet || s.Structured() {
		return
	}
	sep := strings.Repeat("=", len(title)+4)
	fmt.Fprintf(s.w, "%s\n", s.colors.Sprintf(s.theme.Primary, "%s\n  %s\n%s", sep, title, sep))
}

// Section prints a sub heading
func (s *Service) Section(title string) {
	if s.config.Quiet || s.Structured() {
		return
	}
	fmt.Fprintf(s.w, "\n%s\n", s.colors.Sprint(s.theme.Primary, "--- "+title+" ---"))
}

// Success prints a success line
func (s *Service) Success(message string) {
	s.status("SUCCESS", message, s.theme.Success)
}

// Warning prints a warning line
func (s *Service) Warning(message string) {
	s.status("WARNING", message, s.theme.Warning)
}

// Error prints an error line
func (s *Service) Error(message string) {
	s.status("ERROR", message, s.theme.Error)
}

// Info prints an informational line, suppressed when quiet
func (s *Service) Info(message string) {
	if s.config.Quiet {
		return
	}
	s.status("INFO", message, s.theme.Info)
}

func (s *Service) status(level, message string, clr Color) {
	if s.Structured() {
		s.Value(map[string]string{"level": strings.ToLower(level), "message": message})
		return
	}
	fmt.Fprintf(s.w, "%s %s\n", s.colors.Sprintf(clr, "[%s]", level), message)
}

// Table prints rows under headers
func (s *Service) Table(headers []string, rows [][]string) {
	if s.Structured() {
		records := make([]map[string]string, 0, len(rows))
		for _, r := range rows {
			rec := make(map[string]string, len(headers))
			for i, h := range headers {
				if i < len(r) {
					rec[strings.ToLower(h)] = r[i]
				}
			}
			records = append(records, rec)
		}
		s.Value(records)
		return
	}
	newTable(headers, rows, s.config.MaxWidth).render(s.w, func(cell string) string {
		return s.colors.Sprint(s.theme.Primary, cell)
	})
}

var sqlKeywords = regexp.MustCompile(`\b(CREATE|ALTER|DROP|TABLE|INDEX|UNIQUE|PRIMARY|KEY|ADD|COLUMN|NOT|NULL|DEFAULT|INSERT|INTO|VALUES|TRUNCATE|ON)\b`)

// SQL prints statements, one per line, terminated with a semicolon
func (s *Service) SQL(statements []string) {
	if s.Structured() {
		s.Value(statements)
		return
	}
	for _, stmt := range statements {
		line := strings.TrimSuffix(strings.TrimSpace(stmt), ";") + ";"
		if s.config.Color {
			line = sqlKeywords.ReplaceAllStringFunc(line, func(kw string) string {
				return s.colors.Sprint(s.theme.Info, kw)
			})
		}
		fmt.Fprintln(s.w, line)
	}
}

// Value writes v as JSON or YAML. In table mode JSON is used.
func (s *Service) Value(v interface{}) {
	if s.config.Format == FormatYAML {
		data, err := yaml.Marshal(v)
		if err != nil {
			fmt.Fprintf(s.w, "Error formatting YAML: %v\n", err)
			return
		}
		s.w.Write(data)
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(s.w, "Error formatting JSON: %v\n", err)
		return
	}
	fmt.Fprintln(s.w, string(data))
}

// Writer returns the destination of all output
func (s *Service) Writer() io.Writer {
	return s.w
}
