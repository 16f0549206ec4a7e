package schema

import (
	"fmt"
	"strings"
)

// DisplayFormatter handles formatting reconciliation results for display
type DisplayFormatter struct {
	ShowDetails bool
	UseColors   bool
}

// NewDisplayFormatter creates a new DisplayFormatter instance
func NewDisplayFormatter(showDetails, useColors bool) *DisplayFormatter {
	return &DisplayFormatter{
		ShowDetails: showDetails,
		UseColors:   useColors,
	}
}

// FormatReconciliation formats the outcome of a live schema check
func (df *DisplayFormatter) FormatReconciliation(r *Reconciliation) string {
	if !r.HasChanges() {
		return df.colorize("✓ No schema differences found - database matches its definitions", "green")
	}

	var output strings.Builder
	output.WriteString(df.colorize("Schema Differences Summary", "bold"))
	output.WriteString("\n")
	output.WriteString(strings.Repeat("=", 50))
	output.WriteString("\n\n")

	if len(r.MissingTables) > 0 {
		output.WriteString(df.colorize("- Missing Tables:", "red"))
		output.WriteString("\n")
		for _, name := range r.MissingTables {
			output.WriteString(fmt.Sprintf("  - %s\n", df.colorize(name, "red")))
		}
		output.WriteString("\n")
	}

	for _, name := range SortedDiffNames(r.Diffs) {
		output.WriteString(df.FormatDiff(r.Diffs[name]))
	}
	return output.String()
}

// FormatDiff formats one table diff
func (df *DisplayFormatter) FormatDiff(d *Diff) string {
	var output strings.Builder

	if d.ExtraTable {
		output.WriteString(fmt.Sprintf("+ %s %s\n", df.colorize(d.Table, "green"), "(no definition)"))
		return output.String()
	}

	output.WriteString(fmt.Sprintf("~ %s\n", df.colorize(d.Table, "yellow")))
	for _, f := range d.ExtraColumns {
		output.WriteString(fmt.Sprintf("    + column %s\n", df.colorize(f.Name, "green")))
	}
	for _, f := range d.MissingColumns {
		output.WriteString(fmt.Sprintf("    - column %s\n", df.colorize(f.Name, "red")))
	}
	for _, c := range d.ChangedColumns {
		output.WriteString(fmt.Sprintf("    ~ column %s\n", df.colorize(c.Name, "yellow")))
		if df.ShowDetails {
			output.WriteString(fmt.Sprintf("        actual:    %s\n", c.ActualSQL))
			output.WriteString(fmt.Sprintf("        reference: %s\n", c.ReferenceSQL))
		}
	}
	for _, c := range d.ExtraIndexes {
		output.WriteString(fmt.Sprintf("    + %s\n", df.formatConstraint(c, "green")))
	}
	for _, c := range d.MissingIndexes {
		output.WriteString(fmt.Sprintf("    - %s\n", df.formatConstraint(c, "red")))
	}
	return output.String()
}

// FormatAlterPlan formats an alter plan, listing statements when details are on
func (df *DisplayFormatter) FormatAlterPlan(p *AlterPlan) string {
	color := map[AlterKind]string{
		AlterNone:     "green",
		AlterCreate:   "blue",
		AlterAdditive: "yellow",
		AlterRecreate: "red",
	}[p.Kind]

	var output strings.Builder
	output.WriteString(fmt.Sprintf("%s: %s\n", p.Table, df.colorize(string(p.Kind), color)))
	if df.ShowDetails {
		for _, stmt := range p.Statements {
			output.WriteString("    ")
			output.WriteString(strings.ReplaceAll(stmt, "\n", " "))
			output.WriteString(";\n")
		}
	}
	return output.String()
}

func (df *DisplayFormatter) formatConstraint(c Constraint, color string) string {
	kind := "index"
	switch {
	case c.IsPrimary():
		kind = "primary key"
	case c.IsUnique():
		kind = "unique index"
	}
	return fmt.Sprintf("%s %s (%s)", kind, df.colorize(c.Name(), color), strings.Join(c.Fields(), ", "))
}

// colorize applies color formatting to text if colors are enabled
func (df *DisplayFormatter) colorize(text, color string) string {
	if !df.UseColors {
		return text
	}

	colorCodes := map[string]string{
		"red":    "\033[31m",
		"green":  "\033[32m",
		"yellow": "\033[33m",
		"blue":   "\033[34m",
		"bold":   "\033[1m",
		"reset":  "\033[0m",
	}

	if code, exists := colorCodes[color]; exists {
		return fmt.Sprintf("%s%s%s", code, text, colorCodes["reset"])
	}

	return text
}

// GetChangeSummary returns a brief summary of changes
func (df *DisplayFormatter) GetChangeSummary(r *Reconciliation) string {
	if !r.HasChanges() {
		return "No changes detected"
	}

	var extraTables, columns, indexes int
	for _, d := range r.Diffs {
		if d.ExtraTable {
			extraTables++
		}
		columns += len(d.ExtraColumns) + len(d.MissingColumns) + len(d.ChangedColumns)
		indexes += len(d.ExtraIndexes) + len(d.MissingIndexes)
	}

	var parts []string
	if n := extraTables + len(r.MissingTables); n > 0 {
		parts = append(parts, fmt.Sprintf("%d table changes", n))
	}
	if columns > 0 {
		parts = append(parts, fmt.Sprintf("%d column changes", columns))
	}
	if indexes > 0 {
		parts = append(parts, fmt.Sprintf("%d index changes", indexes))
	}
	return strings.Join(parts, ", ")
}

// SortedDiffNames returns the keys of a diff map in lexical order
func SortedDiffNames(diffs map[string]*Diff) []string {
	tables := make(map[string]*Table, len(diffs))
	for name := range diffs {
		tables[name] = nil
	}
	return SortedTableNames(tables)
}
