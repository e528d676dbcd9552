package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/clawdash/internal/persistence"
	"github.com/basket/clawdash/internal/workspace"
)

const providerCount = 20

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "clawdash-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	restoredModel := configDrill(baseDir)
	restoredProviders := databaseDrill(ctx, baseDir)

	fmt.Printf("restored_model=%s\n", restoredModel)
	fmt.Printf("restored_providers=%d\n", restoredProviders)
	if restoredModel != "drill-v1" || restoredProviders < providerCount {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

// configDrill overwrites the assistant config, then restores the automatic
// backup taken before the overwrite.
func configDrill(baseDir string) string {
	ws := workspace.New(filepath.Join(baseDir, "openclaw"))
	v1 := map[string]any{"agent": map[string]any{"model": "drill-v1"}}
	v2 := map[string]any{"agent": map[string]any{"model": "drill-v2"}}
	if err := ws.WriteConfig(v1); err != nil {
		fail("write_config_error", err)
	}
	if err := ws.WriteConfig(v2); err != nil {
		fail("write_config_error", err)
	}
	backups, err := ws.ListBackups()
	if err != nil || len(backups) == 0 {
		fmt.Printf("list_backups_error=%v count=%d\n", err, len(backups))
		os.Exit(1)
	}

	restoreStart := time.Now().UTC()
	if _, err := ws.RestoreBackup(backups[0].Name); err != nil {
		fail("restore_backup_error", err)
	}
	restoreEnd := time.Now().UTC()
	fmt.Printf("config_backups=%d\n", len(backups))
	fmt.Printf("config_restore_duration=%s\n", restoreEnd.Sub(restoreStart))

	cfg, err := ws.ReadConfig()
	if err != nil {
		fail("read_config_error", err)
	}
	agent, _ := cfg["agent"].(map[string]any)
	model, _ := agent["model"].(string)
	return model
}

// databaseDrill snapshots the dashboard database with VACUUM INTO and opens
// the copy through the normal migration path.
func databaseDrill(ctx context.Context, baseDir string) int {
	dbPath := filepath.Join(baseDir, "clawdash.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		fail("open_store_error", err)
	}
	defer store.Close()
	for i := 0; i < providerCount; i++ {
		if _, err := store.CreateProvider(ctx, persistence.Provider{
			Name:    fmt.Sprintf("drill-%d", i),
			Type:    "openai",
			APIKey:  "sk-drill",
			Enabled: true,
		}); err != nil {
			fail("create_provider_error", err)
		}
	}

	backupStart := time.Now().UTC()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		fail("backup_error", err)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath)
	if err != nil {
		fail("open_restore_error", err)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	providers, err := restored.ListProviders(ctx)
	if err != nil {
		fail("list_providers_error", err)
	}
	fmt.Printf("db_backup_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("db_restore_duration=%s\n", restoreEnd.Sub(restoreStart))
	return len(providers)
}

func fail(key string, err error) {
	fmt.Printf("%s=%v\n", key, err)
	os.Exit(1)
}
