package restore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sitevault/internal/database"
)

// MaintenanceFile is present in the data tree while a restore runs
const MaintenanceFile = "climaintenance.html"

// MaintenanceHandler puts the site in maintenance mode for the duration of the restore
type MaintenanceHandler struct{}

func (MaintenanceHandler) Name() string { return "maintenance" }

func (MaintenanceHandler) AppliesTo(stage Stage) bool {
	return stage == StageBeforeRestore || stage == StageAfterRestore
}

func (MaintenanceHandler) Execute(ctx context.Context, env *Env, stage Stage) error {
	if env.DataRoot == "" {
		return nil
	}
	p := filepath.Join(env.DataRoot, MaintenanceFile)
	if stage == StageAfterRestore {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(env.DataRoot, 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, []byte("<h1>Site restore in progress</h1>\n"), 0o644)
}

// SequenceHandler moves every sequence past both the recorded value and the
// highest restored id
type SequenceHandler struct{}

func (SequenceHandler) Name() string { return "sequences" }

func (SequenceHandler) AppliesTo(stage Stage) bool { return stage == StageAfterDBRestore }

func (SequenceHandler) Execute(ctx context.Context, env *Env, stage Stage) error {
	var failed []string
	for _, info := range env.Manifest.Tables {
		if info.Sequence == "" {
			continue
		}
		t, ok := env.Tables[info.Name]
		if !ok || t.SequenceField() == nil {
			continue
		}

		var highest sql.NullInt64
		query := fmt.Sprintf("SELECT MAX(%s) FROM %s",
			database.QuoteIdent(env.Generator.Family(), t.SequenceField().Name), env.Generator.TableName(t.Name))
		if err := env.DB.QueryRowContext(ctx, query).Scan(&highest); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", t.Name, err))
			continue
		}

		next := info.NextSequence
		if highest.Valid && highest.Int64+1 > next {
			next = highest.Int64 + 1
		}
		if next < 1 {
			next = 1
		}
		for _, stmt := range env.Generator.ResetSequenceSQL(t, next) {
			if _, err := env.DB.ExecContext(ctx, stmt); err != nil {
				failed = append(failed, fmt.Sprintf("%s: %v", t.Name, err))
				break
			}
		}
		env.Logger.Debugf("Sequence of %s set to %d", t.Name, next)
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to reset sequences: %s", strings.Join(failed, "; "))
	}
	return nil
}

// CacheDirs are emptied after a restore
var CacheDirs = []string{"cache", "localcache", "temp"}

// CachePurgeHandler empties the data tree caches so nothing from before the
// restore is served
type CachePurgeHandler struct{}

func (CachePurgeHandler) Name() string { return "purge_caches" }

func (CachePurgeHandler) AppliesTo(stage Stage) bool { return stage == StageAfterRestore }

func (CachePurgeHandler) Execute(ctx context.Context, env *Env, stage Stage) error {
	if env.DataRoot == "" {
		return nil
	}
	for _, dir := range CacheDirs {
		p := filepath.Join(env.DataRoot, dir)
		entries, err := os.ReadDir(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(p, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
