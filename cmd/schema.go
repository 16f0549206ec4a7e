package cmd

import (
	"context"
	"io"
	"os"

	"sitevault/internal/application"
	"sitevault/internal/check"
	appErrors "sitevault/internal/errors"
	"sitevault/internal/schema"

	"github.com/spf13/cobra"
)

var (
	showSQL      bool
	exportActual bool
	exportOutput string
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect the site schema",
}

var schemaCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Show differences between the live schema and the definitions",
	Long: `Show differences between the live database and the components' schema
definitions found under platform.schema_dir.

With --sql the statements that would bring each live table in line with its
definition are printed as well. Nothing is executed.`,
	Args: cobra.NoArgs,
	RunE: runWithApp(runSchemaCheck),
}

var schemaExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the schema as a definition document",
	Long: `Write the schema definitions, or with --actual the live database structure,
as an XML definition document.

Examples:
  sitevault schema export --actual --output live.xml`,
	Args: cobra.NoArgs,
	RunE: runWithApp(runSchemaExport),
}

func init() {
	schemaCheckCmd.Flags().BoolVar(&showSQL, "sql", false, "print the ALTER and CREATE statements")
	schemaExportCmd.Flags().BoolVar(&exportActual, "actual", false, "export the live database instead of the definitions")
	schemaExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write to a file instead of stdout")

	schemaCmd.AddCommand(schemaCheckCmd, schemaExportCmd)
	rootCmd.AddCommand(schemaCmd)
}

func runSchemaCheck(ctx context.Context, app *application.Application, args []string) error {
	structure, src, err := app.Structure(ctx)
	if err != nil {
		return err
	}
	result, err := check.Reconcile(ctx, src, structure)
	if err != nil {
		return err
	}

	d := app.Display()
	if !showSQL {
		d.Reconciliation(result)
		return nil
	}

	d.Reconciliation(result)
	plans, err := alterPlans(structure)
	if err != nil {
		return err
	}
	d.Plans(plans, true)
	return nil
}

// alterPlans lists the changes needed for every definition whose live table
// differs or is missing
func alterPlans(structure *schema.Structure) ([]*schema.AlterPlan, error) {
	var plans []*schema.AlterPlan
	for _, wanted := range structure.Tables(schema.UniverseDefinition) {
		var original *schema.Table
		if actual, ok := structure.FindActual(wanted.Name); ok {
			original = actual
		}
		plan, err := structure.Comparer().AlterSQL(wanted, original)
		if err != nil {
			return nil, err
		}
		if plan.Kind != schema.AlterNone {
			plans = append(plans, plan)
		}
	}
	return plans, nil
}

func runSchemaExport(ctx context.Context, app *application.Application, args []string) error {
	structure, src, err := app.Structure(ctx)
	if err != nil {
		return err
	}

	universe := schema.UniverseDefinition
	if exportActual {
		universe = schema.UniverseActual
		if err := structure.LoadActual(ctx); err != nil {
			return err
		}
	} else {
		if src.Definitions == nil {
			return appErrors.NewAppError(appErrors.ErrorTypeValidation, "no schema definitions configured", nil)
		}
		if err := structure.LoadDefinitions(src.Definitions); err != nil {
			return err
		}
	}

	var w io.Writer = app.Display().Writer()
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return appErrors.NewAppError(appErrors.ErrorTypePermission, "failed to create output file", err)
		}
		defer f.Close()
		w = f
	}
	if err := structure.Render(w, universe); err != nil {
		return err
	}
	if exportOutput != "" {
		app.Display().Success("Schema written to " + exportOutput)
	}
	return nil
}
