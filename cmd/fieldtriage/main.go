package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fieldtriage/fieldtriage/internal/config"
	"github.com/fieldtriage/fieldtriage/internal/domain/audit"
	"github.com/fieldtriage/fieldtriage/internal/domain/patient"
	"github.com/fieldtriage/fieldtriage/internal/domain/triage"
	"github.com/fieldtriage/fieldtriage/internal/platform/db"
	"github.com/fieldtriage/fieldtriage/internal/platform/db/migrations"
	"github.com/fieldtriage/fieldtriage/internal/platform/phi"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldtriage",
		Short: "Encrypted offline triage log for mass-casualty incidents",
	}

	rootCmd.AddCommand(intakeCmd())
	rootCmd.AddCommand(vitalsCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(removeCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(rotateKeyCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the wired service stack behind every record command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	sdb    *sql.DB
	svc    *patient.Service
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	sdb, err := db.Open(cfg.ResolvedDBPath())
	if err != nil {
		return nil, err
	}
	if _, err := db.NewMigrator(sdb, migrations.FS).Up(ctx); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	keys := phi.NewKeyStore(cfg.ResolvedKeyFile(), cfg.KeyPassphrase)
	keyring, created, err := keys.Load()
	if err != nil {
		sdb.Close()
		return nil, fmt.Errorf("load data-encryption key: %w", err)
	}
	if created {
		logger.Info().Str("key_file", cfg.ResolvedKeyFile()).Msg("generated data-encryption key")
	}
	if cfg.KeyPassphrase == "" {
		logger.Warn().Str("key_file", cfg.ResolvedKeyFile()).
			Msg("key file has no passphrase; file permissions are its only protection")
	}

	policy := triage.DefaultPolicy()
	if cfg.RespRateMax > 0 {
		policy.AdultRespRateMax = cfg.RespRateMax
	}
	if cfg.CapRefillMax > 0 {
		policy.CapRefillMaxSeconds = cfg.CapRefillMax
	}

	store := patient.NewSQLiteStore(sdb)
	recorder := audit.NewSQLiteRecorder(sdb)
	svc := patient.NewService(store, keyring, keys, recorder, triage.New(policy), logger)

	return &app{cfg: cfg, logger: logger, sdb: sdb, svc: svc}, nil
}

func (a *app) Close() {
	a.svc.Close()
	a.sdb.Close()
}

// newLogger writes to stderr so tables and JSON on stdout stay parseable.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)
	}
	return logger
}

type demoFlags struct {
	name  string
	age   int
	sex   string
	tag   string
	notes string
}

func addDemoFlags(cmd *cobra.Command, f *demoFlags) {
	cmd.Flags().StringVar(&f.name, "name", "", "Patient name, if known")
	cmd.Flags().IntVar(&f.age, "age", -1, "Approximate age in years")
	cmd.Flags().StringVar(&f.sex, "sex", "", "Sex: female, male, other, unknown")
	cmd.Flags().StringVar(&f.tag, "tag", "", "Physical triage tag number")
	cmd.Flags().StringVar(&f.notes, "notes", "", "Free-text notes")
}

func (f demoFlags) demographics() patient.Demographics {
	d := patient.Demographics{Name: f.name, Sex: f.sex, TagNumber: f.tag, Notes: f.notes}
	if f.age >= 0 {
		age := f.age
		d.ApproxAge = &age
	}
	return d
}

type vitalsFlags struct {
	ambulatory    bool
	breathing     string
	respRate      int
	pulse         string
	capRefill     float64
	consciousness string
	ageGroup      string
	injury        string
}

func addVitalsFlags(cmd *cobra.Command, f *vitalsFlags) {
	cmd.Flags().BoolVar(&f.ambulatory, "ambulatory", false, "Patient can walk unassisted")
	cmd.Flags().StringVar(&f.breathing, "breathing", "", "Breathing: normal, labored, absent, unknown")
	cmd.Flags().IntVar(&f.respRate, "rr", -1, "Respiratory rate in breaths per minute")
	cmd.Flags().StringVar(&f.pulse, "pulse", "", "Radial pulse: present, absent, unknown")
	cmd.Flags().Float64Var(&f.capRefill, "cap-refill", -1, "Capillary refill time in seconds")
	cmd.Flags().StringVar(&f.consciousness, "consciousness", "", "Consciousness: alert, verbal, pain, unresponsive, unknown")
	cmd.Flags().StringVar(&f.ageGroup, "age-group", "", "Age band for rate thresholds: adult, child, unknown")
	cmd.Flags().StringVar(&f.injury, "injury", "", "Free-text injury notes")
}

func (f vitalsFlags) snapshot() triage.VitalsSnapshot {
	v := triage.VitalsSnapshot{
		Ambulatory:    f.ambulatory,
		Breathing:     triage.Breathing(f.breathing),
		RadialPulse:   triage.RadialPulse(f.pulse),
		Consciousness: triage.Consciousness(f.consciousness),
		AgeGroup:      triage.AgeGroup(f.ageGroup),
		InjuryNotes:   f.injury,
	}
	if f.respRate >= 0 {
		rr := f.respRate
		v.RespiratoryRate = &rr
	}
	if f.capRefill >= 0 {
		cr := f.capRefill
		v.CapillaryRefillSeconds = &cr
	}
	return v
}

func intakeCmd() *cobra.Command {
	var demo demoFlags
	var vitals vitalsFlags
	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Register a casualty and assign a triage priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.svc.Create(ctx, patient.Intake{
				Demographics: demo.demographics(),
				Vitals:       vitals.snapshot(),
			})
			if err != nil {
				return err
			}

			fmt.Printf("%s  %s  revision %d\n", rec.ID, priorityLabel(rec.Priority), rec.Revision)
			printTrace(rec.Trace)
			return nil
		},
	}
	addDemoFlags(cmd, &demo)
	addVitalsFlags(cmd, &vitals)
	return cmd
}

func vitalsCmd() *cobra.Command {
	var demo demoFlags
	var vitals vitalsFlags
	var base int64
	cmd := &cobra.Command{
		Use:   "vitals <record-id>",
		Short: "Re-assess a casualty; unset flags keep their stored values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			cur, err := a.svc.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if base == 0 {
				base = cur.Revision
			}

			d := cur.Demographics
			if cmd.Flags().Changed("name") {
				d.Name = demo.name
			}
			if cmd.Flags().Changed("age") {
				if demo.age < 0 {
					d.ApproxAge = nil
				} else {
					age := demo.age
					d.ApproxAge = &age
				}
			}
			if cmd.Flags().Changed("sex") {
				d.Sex = demo.sex
			}
			if cmd.Flags().Changed("tag") {
				d.TagNumber = demo.tag
			}
			if cmd.Flags().Changed("notes") {
				d.Notes = demo.notes
			}

			v := cur.Vitals
			if cmd.Flags().Changed("ambulatory") {
				v.Ambulatory = vitals.ambulatory
			}
			if cmd.Flags().Changed("breathing") {
				v.Breathing = triage.Breathing(vitals.breathing)
			}
			if cmd.Flags().Changed("rr") {
				if vitals.respRate < 0 {
					v.RespiratoryRate = nil
				} else {
					rr := vitals.respRate
					v.RespiratoryRate = &rr
				}
			}
			if cmd.Flags().Changed("pulse") {
				v.RadialPulse = triage.RadialPulse(vitals.pulse)
			}
			if cmd.Flags().Changed("cap-refill") {
				if vitals.capRefill < 0 {
					v.CapillaryRefillSeconds = nil
				} else {
					cr := vitals.capRefill
					v.CapillaryRefillSeconds = &cr
				}
			}
			if cmd.Flags().Changed("consciousness") {
				v.Consciousness = triage.Consciousness(vitals.consciousness)
			}
			if cmd.Flags().Changed("age-group") {
				v.AgeGroup = triage.AgeGroup(vitals.ageGroup)
			}
			if cmd.Flags().Changed("injury") {
				v.InjuryNotes = vitals.injury
			}

			rec, err := a.svc.Update(ctx, args[0], patient.UpdateIntake{
				BaseRevision: base,
				Demographics: d,
				Vitals:       v,
			})
			if err != nil {
				return err
			}

			fmt.Printf("%s  %s  revision %d\n", rec.ID, priorityLabel(rec.Priority), rec.Revision)
			printTrace(rec.Trace)
			return nil
		},
	}
	cmd.Flags().Int64Var(&base, "base", 0, "Revision this re-assessment is based on (default: current)")
	addDemoFlags(cmd, &demo)
	addVitalsFlags(cmd, &vitals)
	return cmd
}

func showCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <record-id>",
		Short: "Decrypt and display one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.svc.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(rec)
			}
			printRecord(rec)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the record as JSON")
	return cmd
}

func listCmd() *cobra.Command {
	var filter patient.ListFilter
	var priority string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records in urgency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			filter.Priority = triage.Priority(priority)

			if asJSON {
				var recs []*patient.Record
				err := a.svc.Walk(ctx, filter, func(id string, rec *patient.Record, err error) error {
					if err != nil {
						fmt.Fprintf(os.Stderr, "record %s unreadable: %v\n", id, err)
						return nil
					}
					recs = append(recs, rec)
					return nil
				})
				if err != nil {
					return err
				}
				return printJSON(recs)
			}

			fmt.Printf("%-36s %-9s %-4s %-8s %s\n", "ID", "PRIORITY", "REV", "TAG", "NAME")
			fmt.Println("------------------------------------ --------- ---- -------- --------------------")
			unreadable := 0
			err = a.svc.Walk(ctx, filter, func(id string, rec *patient.Record, err error) error {
				if err != nil {
					unreadable++
					fmt.Printf("%-36s %s\n", id, "UNREADABLE: integrity check failed")
					return nil
				}
				name := rec.Demographics.Name
				if name == "" {
					name = "(unidentified)"
				}
				marker := ""
				if rec.Deleted {
					marker = "  [deleted]"
				}
				fmt.Printf("%-36s %-9s %-4d %-8s %s%s\n",
					rec.ID, rec.Priority, rec.Revision, rec.Demographics.TagNumber, name, marker)
				return nil
			})
			if err != nil {
				return err
			}
			if unreadable > 0 {
				fmt.Printf("\n%d record(s) failed integrity checks; run `fieldtriage verify` to flag them.\n", unreadable)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "Only this priority: immediate, delayed, minor, expectant")
	cmd.Flags().BoolVar(&filter.IncludeDeleted, "deleted", false, "Include tombstoned records")
	cmd.Flags().BoolVar(&filter.IncludeCorrupt, "corrupt", false, "Include records flagged corrupt")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Show the triage board: counts per priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.svc.Stats(ctx)
			if err != nil {
				return err
			}

			for _, p := range []triage.Priority{
				triage.PriorityImmediate,
				triage.PriorityDelayed,
				triage.PriorityMinor,
				triage.PriorityExpectant,
			} {
				fmt.Printf("%-18s %d\n", priorityLabel(p), stats.ByPriority[p])
			}
			fmt.Println("------------------")
			fmt.Printf("active %d, deleted %d, corrupt %d\n", stats.Active, stats.Deleted, stats.Corrupt)
			return nil
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <record-id>",
		Short: "Tombstone a record (kept on disk, hidden from listings)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.svc.SoftDelete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("record %s removed; restore by inspecting with --deleted, erase with purge\n", args[0])
			return nil
		},
	}
}

func purgeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge <record-id>",
		Short: "Permanently erase a record's encrypted payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("purge is irreversible; re-run with --yes to confirm")
			}
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.svc.Purge(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("record %s purged; its audit trail is retained\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm permanent erasure")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <record-id>",
		Short: "Show the audit trail for a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.svc.History(ctx, args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no audit entries")
				return nil
			}

			fmt.Printf("%-20s %-16s %-4s %s\n", "RECORDED AT", "ACTION", "REV", "PRIORITY")
			fmt.Println("-------------------- ---------------- ---- ---------")
			for _, e := range entries {
				fmt.Printf("%-20s %-16s %-4d %s\n",
					e.RecordedAt.Format("2006-01-02 15:04:05"), e.Action, e.Revision, e.Priority)
			}
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Authenticate every stored payload and flag failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.svc.Verify(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("checked %d record(s), %d already flagged\n", report.Checked, report.AlreadyFlagged)
			if len(report.Flagged) == 0 {
				fmt.Println("all payloads authenticated")
				return nil
			}
			for _, id := range report.Flagged {
				fmt.Printf("FLAGGED %s\n", id)
			}
			return fmt.Errorf("%d record(s) failed integrity checks", len(report.Flagged))
		},
	}
}

func rotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Generate a new data-encryption key and re-encrypt every record",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			version, err := a.svc.RotateKey(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("all records re-encrypted under key version %d\n", version)
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream record changes made through this process until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			events, cancel := a.svc.Subscribe()
			defer cancel()

			fmt.Println("watching for changes, Ctrl-C to stop")
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					fmt.Printf("%s  %-14s %-36s %s revision %d\n",
						ev.At.Format("15:04:05"), ev.Action, ev.RecordID, ev.Priority, ev.Revision)
				}
			}
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			sdb, err := db.Open(cfg.ResolvedDBPath())
			if err != nil {
				return err
			}
			defer sdb.Close()

			count, err := db.NewMigrator(sdb, migrations.FS).Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			sdb, err := db.Open(cfg.ResolvedDBPath())
			if err != nil {
				return err
			}
			defer sdb.Close()

			statuses, err := db.NewMigrator(sdb, migrations.FS).Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func priorityLabel(p triage.Priority) string {
	return fmt.Sprintf("%s (%s)", strings.ToUpper(string(p)), p.Color())
}

func printTrace(trace triage.ReasoningTrace) {
	for _, step := range trace {
		if step.Decided {
			fmt.Printf("  %-22s %s -> %s\n", step.Gate, step.Finding, step.Priority)
		} else {
			fmt.Printf("  %-22s %s\n", step.Gate, step.Finding)
		}
	}
}

func printRecord(rec *patient.Record) {
	fmt.Printf("ID:          %s\n", rec.ID)
	fmt.Printf("Priority:    %s\n", priorityLabel(rec.Priority))
	fmt.Printf("Revision:    %d\n", rec.Revision)
	if rec.Deleted {
		fmt.Printf("Status:      removed (tombstoned)\n")
	}
	if rec.Demographics.TagNumber != "" {
		fmt.Printf("Tag:         %s\n", rec.Demographics.TagNumber)
	}
	name := rec.Demographics.Name
	if name == "" {
		name = "(unidentified)"
	}
	fmt.Printf("Name:        %s\n", name)
	if rec.Demographics.ApproxAge != nil {
		fmt.Printf("Approx age:  %d\n", *rec.Demographics.ApproxAge)
	}
	if rec.Demographics.Sex != "" {
		fmt.Printf("Sex:         %s\n", rec.Demographics.Sex)
	}
	if rec.Demographics.Notes != "" {
		fmt.Printf("Notes:       %s\n", rec.Demographics.Notes)
	}

	v := rec.Vitals
	fmt.Printf("Ambulatory:  %t\n", v.Ambulatory)
	fmt.Printf("Breathing:   %s\n", v.Breathing)
	if v.RespiratoryRate != nil {
		fmt.Printf("Resp rate:   %d/min\n", *v.RespiratoryRate)
	}
	fmt.Printf("Pulse:       %s\n", v.RadialPulse)
	if v.CapillaryRefillSeconds != nil {
		fmt.Printf("Cap refill:  %.1fs\n", *v.CapillaryRefillSeconds)
	}
	fmt.Printf("Conscious:   %s\n", v.Consciousness)
	fmt.Printf("Age group:   %s\n", v.AgeGroup)
	if v.InjuryNotes != "" {
		fmt.Printf("Injuries:    %s\n", v.InjuryNotes)
	}

	fmt.Printf("Created:     %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Updated:     %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05 MST"))

	if len(rec.Trace) > 0 {
		fmt.Println("Assessment:")
		printTrace(rec.Trace)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
