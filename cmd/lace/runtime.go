package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/lacehq/lace/pkg/catalog"
	"github.com/lacehq/lace/pkg/config"
	"github.com/lacehq/lace/pkg/observability"
	"github.com/lacehq/lace/pkg/session"
	"github.com/lacehq/lace/pkg/storage"
	"github.com/lacehq/lace/pkg/tasks"
	"github.com/lacehq/lace/pkg/threads"
)

// Runtime wires the full stack for the CLI process.
type Runtime struct {
	DB        *storage.DB
	Threads   *threads.Store
	Tasks     *tasks.Store
	Catalog   *catalog.Service
	Instances *catalog.InstanceManager
	Obs       *observability.Observability
	Sessions  *session.Manager
	Presets   *config.PresetManager
}

// shippedCatalogDir locates the catalog JSON shipped next to the binary.
func shippedCatalogDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	dir := filepath.Join(filepath.Dir(exe), "catalog")
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	return dir
}

func NewRuntime(obsCfg observability.Config) (*Runtime, error) {
	obs, err := observability.New(obsCfg)
	if err != nil {
		return nil, err
	}

	dbPath, err := config.DatabasePath()
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(storage.Config{Driver: storage.DialectSQLite, Path: dbPath})
	if err != nil {
		return nil, err
	}

	userCatalog, err := config.UserCatalogDir()
	if err != nil {
		db.Close()
		return nil, err
	}
	cat, err := catalog.NewService(shippedCatalogDir(), userCatalog)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := cat.Watch(); err != nil {
		db.Close()
		return nil, err
	}

	instances, err := catalog.NewInstanceManager()
	if err != nil {
		db.Close()
		return nil, err
	}

	presets, err := config.NewPresetManager()
	if err != nil {
		db.Close()
		return nil, err
	}

	threadStore := threads.NewStore(db)
	taskStore := tasks.NewStore(db)

	deps := session.Deps{
		Threads:   threadStore,
		Tasks:     taskStore,
		Catalog:   cat,
		Instances: instances,
		Obs:       obs,
	}

	cwd, _ := os.Getwd()
	projectCfg, err := config.LoadProjectConfig(cwd)
	if err != nil {
		db.Close()
		return nil, err
	}

	sessions, err := session.NewManager(session.ManagerConfig{
		DB:            db,
		Deps:          deps,
		ProjectConfig: projectCfg,
		Approval:      terminalApprovalHandler(),
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Runtime{
		DB:        db,
		Threads:   threadStore,
		Tasks:     taskStore,
		Catalog:   cat,
		Instances: instances,
		Obs:       obs,
		Sessions:  sessions,
		Presets:   presets,
	}, nil
}

func (r *Runtime) Close() {
	r.Catalog.Close()
	r.DB.Close()
	r.Obs.Shutdown(context.Background())
}
