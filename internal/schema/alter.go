package schema

import (
	"fmt"
)

// AlterKind classifies how a live table is brought in line with a wanted one
type AlterKind string

const (
	AlterNone     AlterKind = "none"
	AlterCreate   AlterKind = "create"
	AlterAdditive AlterKind = "additive"
	AlterRecreate AlterKind = "recreate"
)

// AlterPlan is the outcome of AlterSQL
type AlterPlan struct {
	Table      string    `json:"table"`
	Kind       AlterKind `json:"kind"`
	Diff       *Diff     `json:"diff,omitempty"`
	Statements []string  `json:"statements,omitempty"`
}

// AlterSQL plans the statements turning original (the live table, may be nil)
// into wanted. Only a strict superset is handled with ALTERs; any missing or
// changed column or missing index recreates the table.
func (c *Comparer) AlterSQL(wanted, original *Table) (*AlterPlan, error) {
	plan := &AlterPlan{Table: wanted.Name}

	if original == nil {
		stmts, err := c.gen.CreateTableSQL(wanted)
		if err != nil {
			return nil, err
		}
		plan.Kind = AlterCreate
		plan.Statements = stmts
		return plan, nil
	}

	diff := c.CompareWithOtherTable(wanted, original, false)
	plan.Diff = diff

	switch {
	case diff.IsEmpty():
		plan.Kind = AlterNone
	case diff.OnlyAdditive():
		plan.Kind = AlterAdditive
		for _, f := range diff.ExtraColumns {
			stmts, err := c.gen.AddFieldSQL(original, f)
			if err != nil {
				return nil, fmt.Errorf("table %s: %w", wanted.Name, err)
			}
			plan.Statements = append(plan.Statements, stmts...)
		}
		for _, con := range diff.ExtraIndexes {
			var (
				stmts []string
				err   error
			)
			if con.Key != nil {
				stmts, err = c.gen.AddKeySQL(original, con.Key)
			} else {
				stmts, err = c.gen.AddIndexSQL(original, con.Index)
			}
			if err != nil {
				return nil, fmt.Errorf("table %s: %w", wanted.Name, err)
			}
			plan.Statements = append(plan.Statements, stmts...)
		}
	default:
		create, err := c.gen.CreateTableSQL(wanted)
		if err != nil {
			return nil, err
		}
		plan.Kind = AlterRecreate
		plan.Statements = append(c.gen.DropTableSQL(original), create...)
	}

	return plan, nil
}
