package restore

import (
	"fmt"
	"sort"
	"strings"

	"sitevault/internal/archive"
	"sitevault/internal/database"
	"sitevault/internal/schema"
)

// Precheck is the outcome of comparing a backup with the restore target
type Precheck struct {
	BackupID          string              `json:"backupid"`
	BackupFamily      string              `json:"backupfamily"`
	TargetFamily      string              `json:"targetfamily"`
	Plans             []*schema.AlterPlan `json:"plans,omitempty"`
	MissingComponents []string            `json:"missingcomponents,omitempty"`
	ExtraTables       []string            `json:"extratables,omitempty"`
	Warnings          []string            `json:"warnings,omitempty"`
	Problems          []string            `json:"problems,omitempty"`
}

// Passed reports whether the restore may go ahead
func (p *Precheck) Passed() bool {
	return len(p.Problems) == 0
}

// Summary is a one line description of the plan
func (p *Precheck) Summary() string {
	counts := make(map[schema.AlterKind]int)
	for _, plan := range p.Plans {
		counts[plan.Kind]++
	}
	return fmt.Sprintf("%d tables to create, %d to extend, %d to recreate, %d problems",
		counts[schema.AlterCreate], counts[schema.AlterAdditive], counts[schema.AlterRecreate], len(p.Problems))
}

// Error describes the problems of a failed precheck
func (p *Precheck) Error() string {
	return "precheck failed: " + strings.Join(p.Problems, "; ")
}

// RunPrecheck plans how target is turned into the structure of the backup.
// Components the backup needs that the target does not ship fail the precheck
// when the target has definitions loaded. Live tables the backup does not know
// are left alone and only listed.
func RunPrecheck(m *archive.Manifest, backupTables map[string]*schema.Table, target *schema.Structure) *Precheck {
	gen := target.Comparer().Generator()
	p := &Precheck{
		BackupID:     m.ID,
		BackupFamily: m.Family,
		TargetFamily: string(gen.Family()),
	}

	if database.Family(m.Family) != gen.Family() {
		p.Warnings = append(p.Warnings, fmt.Sprintf("backup was taken from %s, restoring into %s", m.Family, gen.Family()))
	}

	if defs := target.Tables(schema.UniverseDefinition); len(defs) > 0 {
		shipped := make(map[string]bool)
		for _, t := range defs {
			shipped[t.Component] = true
		}
		for _, c := range m.Components {
			if !shipped[c] {
				p.MissingComponents = append(p.MissingComponents, c)
			}
		}
		if len(p.MissingComponents) > 0 {
			p.Problems = append(p.Problems, fmt.Sprintf("components missing on target: %s", strings.Join(p.MissingComponents, ", ")))
		}
	}

	for _, name := range schema.SortedTableNames(backupTables) {
		wanted := backupTables[name]
		for _, err := range wanted.Validate() {
			p.Warnings = append(p.Warnings, err.Error())
		}
		if _, ok := m.Table(name); !ok {
			p.Problems = append(p.Problems, fmt.Sprintf("table %s has a structure but no rows in the backup", name))
			continue
		}

		actual, _ := target.FindActual(name)
		plan, err := target.Comparer().AlterSQL(wanted, actual)
		if err != nil {
			p.Problems = append(p.Problems, fmt.Sprintf("table %s: %v", name, err))
			continue
		}
		if plan.Kind != schema.AlterNone {
			p.Plans = append(p.Plans, plan)
		}
	}
	for _, info := range m.Tables {
		if _, ok := backupTables[info.Name]; !ok {
			p.Problems = append(p.Problems, fmt.Sprintf("table %s has rows but no structure in the backup", info.Name))
		}
	}

	for _, t := range target.Tables(schema.UniverseActual) {
		if _, ok := backupTables[t.Name]; !ok {
			p.ExtraTables = append(p.ExtraTables, t.Name)
		}
	}
	sort.Strings(p.ExtraTables)
	return p
}
