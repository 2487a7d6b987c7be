// ds: operator CLI for the BroLab data-consistency core.
// Commands: status, validate, repair, conflicts, resolve, metrics.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/brolab/datasync/internal/backend"
	"github.com/brolab/datasync/internal/config"
	"github.com/brolab/datasync/internal/consistency"
	"github.com/brolab/datasync/internal/db"
	"github.com/brolab/datasync/internal/engine"
	"github.com/brolab/datasync/internal/integrity"
	"github.com/brolab/datasync/internal/rollback"
)

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func pidFile() string {
	return filepath.Join(xdgDataHome(), "datasync", "dsd.pid")
}

func daemonRunning() bool {
	b, err := os.ReadFile(pidFile())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return false
	}
	// Signal 0 checks if process exists (Unix)
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	return true
}

type app struct {
	conn *sql.DB
	be   *backend.SQLite
	cons *consistency.Manager
	eng  *engine.Manager
}

func openApp(cfg *config.Config) (*app, error) {
	conn, err := db.Open(cfg.DbPath)
	if err != nil {
		return nil, err
	}
	be := backend.NewSQLite(conn)
	rb := rollback.NewManager(be)
	cons := consistency.NewManager(be, be, rb)
	eng := engine.NewManager(be, be, cons, rb, integrity.NewEngine())
	// One-shot invocations never emit alerts; that is the daemon's job.
	eng.SetMonitoringEnabled(false)
	return &app{conn: conn, be: be, cons: cons, eng: eng}, nil
}

func (a *app) close() { a.conn.Close() }

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

func cmdStatus(cfg *config.Config) {
	daemon := "not running"
	if daemonRunning() {
		daemon = "running"
	}
	monitoring := "disabled"
	if cfg.MonitoringEnabled {
		monitoring = "enabled"
	}
	fmt.Printf("ds status\n")
	fmt.Printf("  daemon:     %s\n", daemon)
	fmt.Printf("  db:         %s\n", cfg.DbPath)
	fmt.Printf("  snapshots:  %s\n", cfg.SnapshotDir)
	fmt.Printf("  monitoring: %s (every %ds)\n", monitoring, cfg.MonitorIntervalSecs)
	fmt.Printf("  sweep:      %s (every %ds)\n", strings.Join(cfg.SweepTypes, ","), cfg.SweepIntervalSecs)
}

func cmdValidate(a *app, args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "ds validate: usage: ds validate <resource-type> [resource-id]\n")
		os.Exit(1)
	}
	resourceType := args[0]
	resourceID := ""
	if len(args) > 1 {
		resourceID = args[1]
	}
	res, err := a.eng.ValidateIntegrity(context.Background(), resourceType, resourceID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds validate: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("checked %d resource(s), valid=%v\n", res.CheckedCount, res.IsValid)
	if len(res.Violations) == 0 {
		return
	}
	tw := newTable(table.Row{"resource", "rule", "severity", "description"})
	for _, v := range res.Violations {
		tw.AppendRow(table.Row{v.ResourceType + "/" + v.ResourceID, v.Rule, v.Severity, v.Description})
	}
	tw.Render()
}

func cmdRepair(a *app, args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "ds repair: usage: ds repair <resource-type>\n")
		os.Exit(1)
	}
	ctx := context.Background()
	res, err := a.eng.ValidateIntegrity(ctx, args[0], "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds repair: %v\n", err)
		os.Exit(1)
	}
	if len(res.Violations) == 0 {
		fmt.Println("no violations to repair")
		return
	}
	rep := a.eng.RepairViolations(ctx, res.Violations)
	fmt.Printf("repaired %d/%d violation(s), %d failed\n", rep.SuccessfulRepairs, rep.TotalViolations, rep.FailedRepairs)
	tw := newTable(table.Row{"resource", "rule", "repaired", "error"})
	for _, at := range rep.RepairAttempts {
		tw.AppendRow(table.Row{
			at.Violation.ResourceType + "/" + at.Violation.ResourceID,
			at.Violation.Rule, at.Repaired, at.Error,
		})
	}
	tw.Render()
}

// detectAll runs conflict detection across every resource of a type.
func detectAll(a *app, resourceType string) ([]*consistency.Conflict, error) {
	ctx := context.Background()
	resources, err := a.be.List(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	var out []*consistency.Conflict
	for _, r := range resources {
		conflicts, err := a.cons.DetectConflicts(ctx, resourceType, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, conflicts...)
	}
	return out, nil
}

func cmdConflicts(a *app, args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "ds conflicts: usage: ds conflicts <resource-type> [resource-id]\n")
		os.Exit(1)
	}
	conflicts, err := detectAll(a, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds conflicts: %v\n", err)
		os.Exit(1)
	}
	if len(args) > 1 {
		conflicts = a.cons.ConflictHistory(args[1])
	}
	if len(conflicts) == 0 {
		fmt.Println("(no conflicts)")
		return
	}
	tw := newTable(table.Row{"resource", "local ts", "remote ts", "fields"})
	for _, c := range conflicts {
		tw.AppendRow(table.Row{
			c.ResourceType + "/" + c.ResourceID,
			c.Metadata.LocalTimestamp, c.Metadata.RemoteTimestamp,
			strings.Join(c.Metadata.ConflictingFields, ","),
		})
	}
	tw.Render()
}

func cmdResolve(a *app, args []string) {
	if len(args) < 3 {
		fmt.Fprintf(os.Stderr, "ds resolve: usage: ds resolve <resource-type> <resource-id> <strategy>\n")
		os.Exit(1)
	}
	ctx := context.Background()
	resourceType, resourceID, strategy := args[0], args[1], args[2]
	conflicts, err := a.cons.DetectConflicts(ctx, resourceType, resourceID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds resolve: %v\n", err)
		os.Exit(1)
	}
	if len(conflicts) == 0 {
		fmt.Println("(no conflicts)")
		return
	}
	for _, c := range conflicts {
		resolved, err := a.cons.ResolveConflict(ctx, c.ID, consistency.Resolution{Strategy: strategy})
		if err != nil {
			fmt.Fprintf(os.Stderr, "ds resolve: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("resolved %s/%s via %s (updated_at=%v)\n", resourceType, resourceID, strategy, resolved["updated_at"])
	}
}

func cmdMetrics(a *app, args []string) {
	window := time.Duration(0)
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "ds metrics: bad window %q: %v\n", args[0], err)
			os.Exit(1)
		}
		window = d
	}
	m, err := a.eng.Metrics(context.Background(), window)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds metrics: %v\n", err)
		os.Exit(1)
	}
	tw := newTable(table.Row{"metric", "value"})
	tw.AppendRow(table.Row{"window", m.Window})
	tw.AppendRow(table.Row{"operations", m.TotalOperations})
	tw.AppendRow(table.Row{"completed", m.CompletedOperations})
	tw.AppendRow(table.Row{"failed", m.FailedOperations})
	tw.AppendRow(table.Row{"success rate", fmt.Sprintf("%.2f", m.SuccessRate)})
	tw.AppendRow(table.Row{"avg duration (ms)", fmt.Sprintf("%.2f", m.AverageDurationMS)})
	tw.AppendRow(table.Row{"consistency errors", m.ConsistencyErrors})
	tw.AppendRow(table.Row{"integrity violations", m.IntegrityViolations})
	tw.AppendRow(table.Row{"alerts raised", m.AlertsRaised})
	tw.Render()
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("ds: BroLab data-consistency operator CLI")
		fmt.Println("Usage: ds <status|validate|repair|conflicts|resolve|metrics>")
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: load config: %v\n", err)
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "status" {
		cmdStatus(cfg)
		return
	}

	a, err := openApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: open db: %v\n", err)
		os.Exit(1)
	}
	defer a.close()

	switch cmd {
	case "validate":
		cmdValidate(a, args)
	case "repair":
		cmdRepair(a, args)
	case "conflicts":
		cmdConflicts(a, args)
	case "resolve":
		cmdResolve(a, args)
	case "metrics":
		cmdMetrics(a, args)
	default:
		fmt.Fprintf(os.Stderr, "ds: unknown command %q\n", cmd)
		os.Exit(1)
	}
}
