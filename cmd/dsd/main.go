// dsd: data-consistency daemon for the BroLab beat store.
// Runs the alert monitor and a periodic integrity sweep over the backend.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/brolab/datasync/internal/backend"
	"github.com/brolab/datasync/internal/config"
	"github.com/brolab/datasync/internal/consistency"
	"github.com/brolab/datasync/internal/db"
	"github.com/brolab/datasync/internal/engine"
	"github.com/brolab/datasync/internal/integrity"
	"github.com/brolab/datasync/internal/rollback"
	"github.com/brolab/datasync/internal/snapshot"
)

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func pidPath() string {
	return filepath.Join(xdgDataHome(), "datasync", "dsd.pid")
}

func writePid(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

func fail(msg string, err error) {
	os.Stderr.WriteString("dsd: " + msg + ": " + err.Error() + "\n")
	os.Exit(1)
}

// archiveStore picks S3 when a bucket is configured, otherwise the local
// folder store; either way wrapped with retries.
func archiveStore(ctx context.Context, cfg *config.Config) (snapshot.Store, error) {
	var store snapshot.Store
	if cfg.S3Bucket != "" {
		s3, err := snapshot.NewS3Store(ctx, snapshot.S3Config{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
		store = s3
	} else {
		store = snapshot.NewFolderStore(cfg.SnapshotDir)
	}
	return snapshot.NewRetryableStore(store, snapshot.DefaultRetryConfig()), nil
}

func masterKey(cfg *config.Config) ([]byte, error) {
	if cfg.MasterKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(cfg.MasterKeyHex)
	if err != nil {
		return nil, err
	}
	if len(key) != snapshot.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", snapshot.KeySize, len(key))
	}
	return key, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fail("load config", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(cfg.DbPath)
	if err != nil {
		fail("open db", err)
	}
	defer conn.Close()

	archive, err := archiveStore(ctx, cfg)
	if err != nil {
		fail("open checkpoint archive", err)
	}
	key, err := masterKey(cfg)
	if err != nil {
		fail("decode master key", err)
	}

	if err := writePid(pidPath()); err != nil {
		fail("write pid file", err)
	}
	defer os.Remove(pidPath())

	be := backend.NewSQLite(conn)
	rb := rollback.NewManager(be, rollback.WithArchive(archive, key))
	cons := consistency.NewManager(be, be, rb)
	eng := engine.NewManager(be, be, cons, rb, integrity.NewEngine(),
		engine.WithMonitorInterval(time.Duration(cfg.MonitorIntervalSecs)*time.Second),
		engine.WithThresholds(engine.AlertThresholds{
			MaxFailureRate:         cfg.MaxFailureRate,
			MaxConsistencyErrors:   cfg.MaxConsistencyErrors,
			MaxIntegrityViolations: cfg.MaxIntegrityViolations,
			MaxSyncDelay:           time.Duration(cfg.MaxSyncDelaySecs) * time.Second,
		}))
	eng.SetMonitoringEnabled(cfg.MonitoringEnabled)

	if err := eng.Start(ctx); err != nil {
		fail("start monitor", err)
	}
	defer eng.Stop()

	// Sweep loop: bulk integrity pass per configured type, sleep
	tick := time.Duration(cfg.SweepIntervalSecs) * time.Second
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	sweep := func() {
		for _, rt := range cfg.SweepTypes {
			res, err := eng.ValidateIntegrity(ctx, rt, "")
			if err != nil {
				os.Stderr.WriteString("dsd: sweep " + rt + ": " + err.Error() + "\n")
				continue
			}
			if !res.IsValid {
				fmt.Printf("dsd: sweep %s: %d violations across %d resources\n", rt, len(res.Violations), res.CheckedCount)
			}
		}
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
