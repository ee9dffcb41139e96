package patient

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldtriage/fieldtriage/internal/domain/audit"
	"github.com/fieldtriage/fieldtriage/internal/domain/triage"
	"github.com/fieldtriage/fieldtriage/internal/platform/phi"
	"github.com/fieldtriage/fieldtriage/pkg/pagination"
)

type serviceEnv struct {
	svc      *Service
	store    *SQLiteStore
	sdb      *sql.DB
	recorder *audit.SQLiteRecorder
	keyPath  string
}

func newTestService(t *testing.T) *serviceEnv {
	t.Helper()

	sdb := newTestDB(t)
	store := NewSQLiteStore(sdb)
	recorder := audit.NewSQLiteRecorder(sdb)

	keyPath := filepath.Join(t.TempDir(), "fieldtriage.key")
	keys := phi.NewKeyStore(keyPath, "")
	keyring, _, err := keys.Load()
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}

	svc := NewService(store, keyring, keys, recorder, triage.New(triage.DefaultPolicy()), zerolog.Nop())
	t.Cleanup(svc.Close)

	return &serviceEnv{svc: svc, store: store, sdb: sdb, recorder: recorder, keyPath: keyPath}
}

func sampleIntake() Intake {
	rr := 18
	return Intake{
		Demographics: Demographics{Name: "Dana Ruiz", Sex: "female", TagNumber: "T-042"},
		Vitals: triage.VitalsSnapshot{
			Breathing:       triage.BreathingNormal,
			RespiratoryRate: &rr,
			RadialPulse:     triage.RadialPulsePresent,
			Consciousness:   triage.ConsciousnessAlert,
			AgeGroup:        triage.AgeGroupAdult,
			InjuryNotes:     "laceration, left forearm",
		},
	}
}

func urgentVitals() triage.VitalsSnapshot {
	rr := 36
	return triage.VitalsSnapshot{
		Breathing:       triage.BreathingNormal,
		RespiratoryRate: &rr,
		RadialPulse:     triage.RadialPulsePresent,
		Consciousness:   triage.ConsciousnessAlert,
		AgeGroup:        triage.AgeGroupAdult,
	}
}

func recvEvent(t *testing.T, ch <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ChangeEvent{}
	}
}

// tamperPayload flips one bit of a stored ciphertext.
func tamperPayload(t *testing.T, sdb *sql.DB, id string) {
	t.Helper()

	var payload []byte
	if err := sdb.QueryRow("SELECT payload FROM records WHERE id = ?", id).Scan(&payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	payload[len(payload)-1] ^= 0x01
	if _, err := sdb.Exec("UPDATE records SET payload = ? WHERE id = ?", payload, id); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func TestService_CreateClassifiesAndStores(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	rec, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(rec.ID) != 36 {
		t.Errorf("expected a UUID record ID, got %q", rec.ID)
	}
	if rec.Priority != triage.PriorityDelayed {
		t.Errorf("priority = %s, want %s", rec.Priority, triage.PriorityDelayed)
	}
	if rec.Revision != 1 {
		t.Errorf("revision = %d, want 1", rec.Revision)
	}
	if len(rec.Trace) == 0 || !rec.Trace[len(rec.Trace)-1].Decided {
		t.Error("expected a reasoning trace ending in a decision")
	}

	got, err := env.svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Demographics != rec.Demographics {
		t.Errorf("demographics = %+v, want %+v", got.Demographics, rec.Demographics)
	}
	if !reflect.DeepEqual(got.Vitals, rec.Vitals) {
		t.Errorf("vitals = %+v, want %+v", got.Vitals, rec.Vitals)
	}
	if got.Priority != rec.Priority || got.Revision != rec.Revision {
		t.Errorf("priority/revision = %s/%d, want %s/%d", got.Priority, got.Revision, rec.Priority, rec.Revision)
	}

	trail, err := env.svc.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(trail) != 1 || trail[0].Action != audit.ActionCreated {
		t.Errorf("trail = %+v, want a single created entry", trail)
	}
	if trail[0].Priority != string(triage.PriorityDelayed) {
		t.Errorf("trail priority = %q, want %q", trail[0].Priority, triage.PriorityDelayed)
	}
}

func TestService_CreateRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	tests := []struct {
		name   string
		mutate func(*Intake)
		field  string
	}{
		{"bad breathing value", func(in *Intake) { in.Vitals.Breathing = "gasping" }, "vitals.breathing"},
		{"bad consciousness value", func(in *Intake) { in.Vitals.Consciousness = "drowsy" }, "vitals.consciousness"},
		{"respiratory rate out of range", func(in *Intake) { rr := 400; in.Vitals.RespiratoryRate = &rr }, "vitals.respiratory_rate"},
		{"negative capillary refill", func(in *Intake) { cr := -1.0; in.Vitals.CapillaryRefillSeconds = &cr }, "vitals.capillary_refill_seconds"},
		{"bad sex value", func(in *Intake) { in.Demographics.Sex = "yes" }, "demographics.sex"},
		{"absurd age", func(in *Intake) { age := 250; in.Demographics.ApproxAge = &age }, "demographics.approx_age"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sampleIntake()
			tt.mutate(&in)

			_, err := env.svc.Create(ctx, in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want a ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}

	if _, total, err := env.svc.List(ctx, ListFilter{IncludeDeleted: true, IncludeCorrupt: true}, pagination.Default()); err != nil || total != 0 {
		t.Errorf("total = %d (err %v), want an empty store after rejected intakes", total, err)
	}
}

func TestService_CreateEncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	rec, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var payload []byte
	if err := env.sdb.QueryRow("SELECT payload FROM records WHERE id = ?", rec.ID).Scan(&payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.HasPrefix(payload, []byte("v1:")) {
		t.Errorf("payload missing key version envelope: %q", payload[:8])
	}
	if bytes.Contains(payload, []byte("Dana")) {
		t.Error("plaintext name visible in stored payload")
	}
	if bytes.Contains(payload, []byte("laceration")) {
		t.Error("plaintext injury notes visible in stored payload")
	}
}

func TestService_UpdateReclassifiesAndBumpsRevision(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	rec, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := env.svc.Update(ctx, rec.ID, UpdateIntake{
		BaseRevision: 1,
		Demographics: rec.Demographics,
		Vitals:       urgentVitals(),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Priority != triage.PriorityImmediate {
		t.Errorf("priority = %s, want %s after re-classification", updated.Priority, triage.PriorityImmediate)
	}
	if updated.Revision != 2 {
		t.Errorf("revision = %d, want 2", updated.Revision)
	}
	if !updated.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("created at changed on update: %v vs %v", updated.CreatedAt, rec.CreatedAt)
	}

	got, err := env.svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Priority != triage.PriorityImmediate || got.Revision != 2 {
		t.Errorf("stored priority/revision = %s/%d, want immediate/2", got.Priority, got.Revision)
	}

	trail, err := env.svc.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(trail) != 2 || trail[1].Action != audit.ActionUpdated || trail[1].Revision != 2 {
		t.Errorf("trail = %+v, want created then updated at revision 2", trail)
	}
}

func TestService_UpdateStaleRevisionConflicts(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	rec, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	upd := UpdateIntake{BaseRevision: 1, Demographics: rec.Demographics, Vitals: urgentVitals()}
	if _, err := env.svc.Update(ctx, rec.ID, upd); err != nil {
		t.Fatalf("first update: %v", err)
	}

	_, err = env.svc.Update(ctx, rec.ID, upd)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	got, err := env.svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Revision != 2 {
		t.Errorf("revision = %d, want 2 (stale write must not land)", got.Revision)
	}
}

func TestService_UpdateMissingRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	_, err := env.svc.Update(ctx, "00000000-0000-0000-0000-000000000000", UpdateIntake{
		BaseRevision: 1,
		Vitals:       urgentVitals(),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestService_ConcurrentUpdatesOneWins(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	rec, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Update(ctx, rec.ID, UpdateIntake{
				BaseRevision: 1,
				Demographics: rec.Demographics,
				Vitals:       urgentVitals(),
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Errorf("successes = %d, conflicts = %d, want exactly one of each", successes, conflicts)
	}

	got, err := env.svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Revision != 2 {
		t.Errorf("final revision = %d, want 2", got.Revision)
	}
}

func TestService_TamperSurfacesAsIntegrityError(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	rec, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.Create(ctx, sampleIntake()); err != nil {
		t.Fatalf("create second: %v", err)
	}
	tamperPayload(t, env.sdb, rec.ID)

	_, err = env.svc.Get(ctx, rec.ID)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("integrity failure must never be presented as an absent record")
	}

	// The record is now flagged and drops out of normal listings.
	_, total, err := env.svc.List(ctx, ListFilter{}, pagination.Default())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 {
		t.Errorf("default list total = %d, want 1", total)
	}

	summaries, total, err := env.svc.List(ctx, ListFilter{IncludeCorrupt: true}, pagination.Default())
	if err != nil {
		t.Fatalf("list with corrupt: %v", err)
	}
	if total != 2 {
		t.Errorf("total with corrupt = %d, want 2", total)
	}
	flagged := false
	for _, sum := range summaries {
		if sum.ID == rec.ID && sum.Corrupt {
			flagged = true
		}
	}
	if !flagged {
		t.Error("expected the tampered record to carry the corrupt flag")
	}

	// Repeat reads keep failing the same way.
	if _, err := env.svc.Get(ctx, rec.ID); !errors.Is(err, ErrIntegrity) {
		t.Errorf("second get: err = %v, want ErrIntegrity", err)
	}

	trail, err := env.svc.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	found := false
	for _, e := range trail {
		if e.Action == audit.ActionCorruptFlagged {
			found = true
		}
	}
	if !found {
		t.Error("expected a corrupt_flagged entry in the audit trail")
	}
}

func TestService_TombstonedRecordStaysReadable(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	rec, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.svc.SoftDelete(ctx, rec.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	got, err := env.svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get after tombstone: %v", err)
	}
	if !got.Deleted {
		t.Error("expected the record to be marked deleted")
	}
	if got.Demographics.Name != "Dana Ruiz" {
		t.Error("tombstoned record lost its payload")
	}
	if got.Revision != 2 {
		t.Errorf("revision = %d, want 2 after tombstoning", got.Revision)
	}
}

func TestService_DeleteAndPurgeLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	rec, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := env.svc.SoftDelete(ctx, rec.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, total, _ := env.svc.List(ctx, ListFilter{}, pagination.Default()); total != 0 {
		t.Errorf("default list total = %d, want 0 after delete", total)
	}
	if _, total, _ := env.svc.List(ctx, ListFilter{IncludeDeleted: true}, pagination.Default()); total != 1 {
		t.Errorf("list with deleted total = %d, want 1", total)
	}

	if err := env.svc.SoftDelete(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}

	if err := env.svc.Purge(ctx, rec.ID); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := env.svc.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after purge: err = %v, want ErrNotFound", err)
	}

	trail, err := env.svc.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantActions := []audit.Action{audit.ActionCreated, audit.ActionDeleted, audit.ActionPurged}
	if len(trail) != len(wantActions) {
		t.Fatalf("trail has %d entries, want %d", len(trail), len(wantActions))
	}
	for i, action := range wantActions {
		if trail[i].Action != action {
			t.Errorf("trail[%d] = %s, want %s", i, trail[i].Action, action)
		}
	}
}

func TestService_WalkVisitsByUrgency(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	if _, err := env.svc.Create(ctx, sampleIntake()); err != nil { // delayed
		t.Fatalf("create: %v", err)
	}
	urgent, err := env.svc.Create(ctx, Intake{Vitals: urgentVitals()}) // immediate
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.Create(ctx, Intake{Vitals: triage.VitalsSnapshot{Ambulatory: true}}); err != nil { // minor
		t.Fatalf("create: %v", err)
	}

	var priorities []triage.Priority
	err = env.svc.Walk(ctx, ListFilter{}, func(id string, rec *Record, err error) error {
		if err != nil {
			t.Fatalf("walk record %s: %v", id, err)
		}
		priorities = append(priorities, rec.Priority)
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	want := []triage.Priority{triage.PriorityImmediate, triage.PriorityDelayed, triage.PriorityMinor}
	if !reflect.DeepEqual(priorities, want) {
		t.Errorf("walk order = %v, want %v", priorities, want)
	}

	// Early stop.
	visited := 0
	err = env.svc.Walk(ctx, ListFilter{}, func(id string, rec *Record, err error) error {
		visited++
		if id == urgent.ID {
			return ErrStopWalk
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk with stop: %v", err)
	}
	if visited != 1 {
		t.Errorf("visited = %d, want 1 (immediate record comes first)", visited)
	}
}

func TestService_WalkSurfacesDamagedRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	healthy, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	damaged, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tamperPayload(t, env.sdb, damaged.ID)

	seen := map[string]error{}
	err = env.svc.Walk(ctx, ListFilter{}, func(id string, rec *Record, err error) error {
		seen[id] = err
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("visited %d records, want 2", len(seen))
	}
	if seen[healthy.ID] != nil {
		t.Errorf("healthy record errored: %v", seen[healthy.ID])
	}
	if !errors.Is(seen[damaged.ID], ErrIntegrity) {
		t.Errorf("damaged record err = %v, want ErrIntegrity", seen[damaged.ID])
	}
}

func TestService_VerifyFlagsDamagedRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	if _, err := env.svc.Create(ctx, sampleIntake()); err != nil {
		t.Fatalf("create: %v", err)
	}
	damaged, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tamperPayload(t, env.sdb, damaged.ID)

	report, err := env.svc.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Checked != 2 {
		t.Errorf("checked = %d, want 2", report.Checked)
	}
	if len(report.Flagged) != 1 || report.Flagged[0] != damaged.ID {
		t.Errorf("flagged = %v, want [%s]", report.Flagged, damaged.ID)
	}

	again, err := env.svc.Verify(ctx)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if again.Checked != 1 || again.AlreadyFlagged != 1 || len(again.Flagged) != 0 {
		t.Errorf("second report = %+v, want one checked, one already flagged", again)
	}
}

func TestService_RotateKeyRewritesRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	first, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := env.svc.Create(ctx, Intake{Vitals: urgentVitals()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var oldBlob []byte
	if err := env.sdb.QueryRow("SELECT payload FROM records WHERE id = ?", first.ID).Scan(&oldBlob); err != nil {
		t.Fatalf("read payload: %v", err)
	}

	ch, cancel := env.svc.Subscribe()
	defer cancel()

	version, err := env.svc.RotateKey(ctx)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}

	ev := recvEvent(t, ch)
	if ev.Action != audit.ActionKeyRotated || ev.Revision != 2 {
		t.Errorf("event = %+v, want key_rotated at version 2", ev)
	}

	for _, id := range []string{first.ID, second.ID} {
		var payload []byte
		if err := env.sdb.QueryRow("SELECT payload FROM records WHERE id = ?", id).Scan(&payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
		if !bytes.HasPrefix(payload, []byte("v2:")) {
			t.Errorf("record %s still carries the old key version: %q", id, payload[:4])
		}
		if _, err := env.svc.Get(ctx, id); err != nil {
			t.Errorf("get %s after rotation: %v", id, err)
		}
	}

	// A keyring reloaded from disk holds only the new key: pre-rotation
	// blobs must no longer authenticate.
	reloaded, created, err := phi.NewKeyStore(env.keyPath, "").Load()
	if err != nil {
		t.Fatalf("reload keys: %v", err)
	}
	if created {
		t.Fatal("expected the existing key file to be reused")
	}
	if reloaded.CurrentVersion() != 2 {
		t.Errorf("reloaded key version = %d, want 2", reloaded.CurrentVersion())
	}
	if _, err := reloaded.Decrypt(oldBlob, first.ID); !errors.Is(err, phi.ErrIntegrity) {
		t.Errorf("decrypt of retired blob: err = %v, want ErrIntegrity", err)
	}
}

func TestService_RotateKeySkipsDamagedRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	healthy, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	damaged, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tamperPayload(t, env.sdb, damaged.ID)

	if _, err := env.svc.RotateKey(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if _, err := env.svc.Get(ctx, healthy.ID); err != nil {
		t.Errorf("healthy record unreadable after rotation: %v", err)
	}
	if _, err := env.svc.Get(ctx, damaged.ID); !errors.Is(err, ErrIntegrity) {
		t.Errorf("damaged record err = %v, want ErrIntegrity", err)
	}

	stats, err := env.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Corrupt != 1 {
		t.Errorf("corrupt = %d, want the damaged record flagged during rotation", stats.Corrupt)
	}
}

func TestService_SubscribeDeliversAndCancels(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	ch, cancel := env.svc.Subscribe()

	rec, err := env.svc.Create(ctx, sampleIntake())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ev := recvEvent(t, ch)
	if ev.Action != audit.ActionCreated || ev.RecordID != rec.ID || ev.Revision != 1 {
		t.Errorf("event = %+v, want created for %s at revision 1", ev, rec.ID)
	}
	if ev.Priority != triage.PriorityDelayed {
		t.Errorf("event priority = %s, want %s", ev.Priority, triage.PriorityDelayed)
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("expected the channel to be closed after cancel")
	}
	cancel() // safe to call again

	// Later mutations must not panic with the subscriber gone.
	if _, err := env.svc.Create(ctx, sampleIntake()); err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
}

func TestService_StatsSummarizesRoster(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	if _, err := env.svc.Create(ctx, sampleIntake()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.Create(ctx, Intake{Vitals: urgentVitals()}); err != nil {
		t.Fatalf("create: %v", err)
	}
	victim, err := env.svc.Create(ctx, Intake{Vitals: triage.VitalsSnapshot{Ambulatory: true}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.svc.SoftDelete(ctx, victim.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	stats, err := env.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Active != 2 || stats.Deleted != 1 {
		t.Errorf("active = %d, deleted = %d, want 2 and 1", stats.Active, stats.Deleted)
	}
	if stats.ByPriority[triage.PriorityImmediate] != 1 || stats.ByPriority[triage.PriorityDelayed] != 1 {
		t.Errorf("by priority = %v, want one immediate and one delayed", stats.ByPriority)
	}
}

type failingCipher struct{}

func (failingCipher) Encrypt([]byte, string) ([]byte, error) { return nil, errors.New("cipher offline") }
func (failingCipher) Decrypt([]byte, string) ([]byte, error) { return nil, errors.New("cipher offline") }
func (failingCipher) CurrentVersion() int                    { return 1 }
func (failingCipher) Advance([]byte) (int, error)            { return 0, errors.New("cipher offline") }

func TestService_EncryptionFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	sdb := newTestDB(t)
	store := NewSQLiteStore(sdb)
	recorder := audit.NewSQLiteRecorder(sdb)

	keys := phi.NewKeyStore(filepath.Join(t.TempDir(), "k.key"), "")
	svc := NewService(store, failingCipher{}, keys, recorder, triage.New(triage.DefaultPolicy()), zerolog.Nop())
	t.Cleanup(svc.Close)

	if _, err := svc.Create(ctx, sampleIntake()); err == nil {
		t.Fatal("expected create to fail with the cipher down")
	}

	if _, total, err := store.List(ctx, ListFilter{IncludeDeleted: true, IncludeCorrupt: true}, pagination.Default()); err != nil || total != 0 {
		t.Errorf("store total = %d (err %v), want 0 after failed create", total, err)
	}
	entries, _, err := recorder.List(ctx, audit.Filter{}, pagination.Default())
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("audit trail has %d entries, want 0 after failed create", len(entries))
	}
}
