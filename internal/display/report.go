package display

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"sitevault/internal/operation"
	"sitevault/internal/schema"
)

// Reconciliation prints the differences between live tables and definitions
func (s *Service) Reconciliation(r *schema.Reconciliation) {
	if s.Structured() {
		s.Value(r)
		return
	}
	if !r.HasChanges() {
		s.Success("Live schema matches the definitions")
		return
	}

	var rows [][]string
	tables := make([]string, 0, len(r.Diffs))
	for name := range r.Diffs {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	for _, name := range tables {
		m := r.Diffs[name].AsMap()
		categories := make([]string, 0, len(m))
		for c := range m {
			categories = append(categories, c)
		}
		sort.Strings(categories)
		for _, c := range categories {
			rows = append(rows, []string{name, c, strings.Join(m[c], ", ")})
		}
	}
	for _, name := range r.MissingTables {
		rows = append(rows, []string{name, "missingtable", ""})
	}

	s.Warning(fmt.Sprintf("%d tables differ, %d missing", len(r.Diffs), len(r.MissingTables)))
	s.Table([]string{"Table", "Difference", "Objects"}, rows)
}

// Plans prints the alter plans and, when withSQL is set, their statements
func (s *Service) Plans(plans []*schema.AlterPlan, withSQL bool) {
	if s.Structured() {
		s.Value(plans)
		return
	}
	if len(plans) == 0 {
		s.Info("No structure changes needed")
		return
	}
	rows := make([][]string, 0, len(plans))
	for _, p := range plans {
		rows = append(rows, []string{p.Table, string(p.Kind), strconv.Itoa(len(p.Statements))})
	}
	s.Table([]string{"Table", "Action", "Statements"}, rows)
	if withSQL {
		for _, p := range plans {
			s.SQL(p.Statements)
		}
	}
}

// Operation prints the state of op followed by its log
func (s *Service) Operation(op *operation.Operation, logs []operation.LogEntry) {
	details := make(map[string]interface{}, len(op.Details))
	for k, raw := range op.Details {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			details[k] = v
		}
	}

	if s.Structured() {
		s.Value(map[string]interface{}{
			"id":       op.ID,
			"type":     op.Kind,
			"status":   op.Status,
			"attempts": op.Attempts,
			"created":  op.Created.Format(time.RFC3339),
			"modified": op.Modified.Format(time.RFC3339),
			"details":  details,
			"error":    op.Error,
			"logs":     logs,
		})
		return
	}

	rows := [][]string{
		{"ID", strconv.FormatInt(op.ID, 10)},
		{"Type", string(op.Kind)},
		{"Status", string(op.Status)},
		{"Attempts", strconv.Itoa(op.Attempts)},
		{"Created", op.Created.Format(time.RFC3339)},
		{"Modified", op.Modified.Format(time.RFC3339)},
	}
	if op.Manifest != "" {
		rows = append(rows, []string{"Manifest", op.Manifest})
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []string{k, string(op.Details[k])})
	}
	s.Table([]string{"Field", "Value"}, rows)

	if op.Error != nil {
		s.Error(op.Error.Message)
	}
	if len(logs) > 0 {
		s.Section("Log")
		for _, e := range logs {
			fmt.Fprintf(s.w, "%s %-7s %s\n", e.Time.Format("15:04:05"), strings.ToUpper(e.Level), e.Message)
		}
	}
}
