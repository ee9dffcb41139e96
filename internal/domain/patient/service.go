// Package patient owns the lifecycle of encrypted patient records: it is the
// only place allowed to mutate them. Every write follows the same sequence
// (validate, classify, serialize, encrypt, store) inside one transaction, so
// a failure anywhere leaves no partial state behind.
package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldtriage/fieldtriage/internal/domain/audit"
	"github.com/fieldtriage/fieldtriage/internal/domain/triage"
	"github.com/fieldtriage/fieldtriage/internal/platform/phi"
	"github.com/fieldtriage/fieldtriage/pkg/pagination"
)

// Cipher is the slice of the key layer the service depends on. Encrypt and
// Decrypt bind each blob to its record ID, so ciphertexts cannot be swapped
// between rows undetected.
type Cipher interface {
	Encrypt(data []byte, recordID string) ([]byte, error)
	Decrypt(data []byte, recordID string) ([]byte, error)
	CurrentVersion() int
	Advance(newKey []byte) (int, error)
}

// KeyPersister stores key material across restarts during rotation.
type KeyPersister interface {
	Append(version int, key []byte) error
	Rewrite(version int, key []byte) error
}

// WalkFunc receives each record visited by Walk. rec is nil when the payload
// failed its integrity check, with err carrying the failure. Returning
// ErrStopWalk ends the walk early without error.
type WalkFunc func(id string, rec *Record, err error) error

// Service orchestrates classification, encryption and storage of patient
// records, and publishes a ChangeEvent after every committed mutation.
type Service struct {
	store      RecordStore
	cipher     Cipher
	keys       KeyPersister
	audit      audit.Recorder
	classifier triage.Classifier
	bus        *Broadcaster
	logger     zerolog.Logger

	// rotateMu serializes key rotation against every other mutation, so a
	// blob encrypted under a retiring key can never commit after the
	// rotation that would have rewritten it.
	rotateMu sync.RWMutex
}

func NewService(store RecordStore, cipher Cipher, keys KeyPersister, recorder audit.Recorder, classifier triage.Classifier, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		cipher:     cipher,
		keys:       keys,
		audit:      recorder,
		classifier: classifier,
		bus:        NewBroadcaster(),
		logger:     logger,
	}
}

// Subscribe registers a listener for committed mutations. The returned
// cancel function unregisters it.
func (s *Service) Subscribe() (<-chan ChangeEvent, func()) {
	return s.bus.Subscribe()
}

// Close shuts down the event stream. In-flight operations are unaffected.
func (s *Service) Close() {
	s.bus.Close()
}

// Create classifies the intake vitals, assigns a fresh ID and stores the
// encrypted record at revision 1.
func (s *Service) Create(ctx context.Context, intake Intake) (*Record, error) {
	vitals := intake.Vitals.Normalized()
	if err := validateDemographics(intake.Demographics); err != nil {
		return nil, err
	}
	if err := validateVitals(vitals); err != nil {
		return nil, err
	}

	priority, trace := s.classifier.Classify(vitals)
	now := time.Now().UTC()
	rec := &Record{
		ID:           uuid.New().String(),
		Demographics: intake.Demographics,
		Vitals:       vitals,
		Priority:     priority,
		Trace:        trace,
		Revision:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.rotateMu.RLock()
	defer s.rotateMu.RUnlock()

	ciphertext, err := s.sealRecord(rec)
	if err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, func(txCtx context.Context) error {
		if err := s.store.Put(txCtx, &StoredRecord{
			ID:         rec.ID,
			Priority:   rec.Priority,
			Revision:   rec.Revision,
			Ciphertext: ciphertext,
			CreatedAt:  rec.CreatedAt,
			UpdatedAt:  rec.UpdatedAt,
		}); err != nil {
			return err
		}
		return s.audit.Record(txCtx, &audit.Entry{
			RecordID:   rec.ID,
			Action:     audit.ActionCreated,
			Revision:   rec.Revision,
			Priority:   string(rec.Priority),
			RecordedAt: rec.CreatedAt,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(audit.ActionCreated, rec.ID, rec.Priority, rec.Revision, rec.CreatedAt)
	return rec, nil
}

// Update re-classifies the record from the new vitals, bumps the revision
// and re-encrypts the whole payload. The write fails with ErrConflict when
// the stored revision no longer matches intake.BaseRevision.
func (s *Service) Update(ctx context.Context, id string, intake UpdateIntake) (*Record, error) {
	if id == "" {
		return nil, invalidf("id", "must not be empty")
	}
	if intake.BaseRevision < 1 {
		return nil, invalidf("base_revision", "must be at least 1")
	}
	vitals := intake.Vitals.Normalized()
	if err := validateDemographics(intake.Demographics); err != nil {
		return nil, err
	}
	if err := validateVitals(vitals); err != nil {
		return nil, err
	}

	priority, trace := s.classifier.Classify(vitals)
	now := time.Now().UTC()
	rec := &Record{
		ID:           id,
		Demographics: intake.Demographics,
		Vitals:       vitals,
		Priority:     priority,
		Trace:        trace,
		Revision:     intake.BaseRevision + 1,
		UpdatedAt:    now,
	}

	s.rotateMu.RLock()
	defer s.rotateMu.RUnlock()

	ciphertext, err := s.sealRecord(rec)
	if err != nil {
		return nil, err
	}

	stored := &StoredRecord{
		ID:         rec.ID,
		Priority:   rec.Priority,
		Revision:   rec.Revision,
		Ciphertext: ciphertext,
		UpdatedAt:  rec.UpdatedAt,
	}
	err = s.store.InTx(ctx, func(txCtx context.Context) error {
		if err := s.store.Update(txCtx, stored, intake.BaseRevision); err != nil {
			return err
		}
		return s.audit.Record(txCtx, &audit.Entry{
			RecordID:   rec.ID,
			Action:     audit.ActionUpdated,
			Revision:   rec.Revision,
			Priority:   string(rec.Priority),
			RecordedAt: rec.UpdatedAt,
		})
	})
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = stored.CreatedAt

	s.publish(audit.ActionUpdated, rec.ID, rec.Priority, rec.Revision, rec.UpdatedAt)
	return rec, nil
}

// Get loads and decrypts one record by ID. Tombstoned records are still
// returned, with Deleted set, until they are purged. A payload that fails
// authentication surfaces as ErrIntegrity, never as an absent record, and
// the row is flagged so list views can exclude it.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored.Corrupt {
		return nil, fmt.Errorf("record %s: flagged corrupt: %w", id, ErrIntegrity)
	}

	rec, err := s.openRecord(stored)
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			s.flagCorrupt(ctx, stored)
		}
		return nil, err
	}
	return rec, nil
}

// List returns index-column summaries without decrypting anything.
func (s *Service) List(ctx context.Context, filter ListFilter, p pagination.Params) ([]RecordSummary, int, error) {
	return s.store.List(ctx, filter, p)
}

// Walk visits matching records one at a time, decrypting lazily so a large
// roster never needs all plaintext in memory at once. Corrupt records are
// passed to fn with a nil record and an ErrIntegrity error when the filter
// includes them.
func (s *Service) Walk(ctx context.Context, filter ListFilter, fn WalkFunc) error {
	stored, err := s.store.All(ctx, filter)
	if err != nil {
		return err
	}
	for i := range stored {
		row := &stored[i]

		var (
			rec     *Record
			openErr error
		)
		if row.Corrupt {
			openErr = fmt.Errorf("record %s: flagged corrupt: %w", row.ID, ErrIntegrity)
		} else {
			rec, openErr = s.openRecord(row)
		}

		if err := fn(row.ID, rec, openErr); err != nil {
			if errors.Is(err, ErrStopWalk) {
				return nil
			}
			return err
		}
	}
	return nil
}

// SoftDelete tombstones a record: it disappears from list views but remains
// retrievable by ID until purged. Deleting an already-tombstoned or missing
// record returns ErrNotFound.
func (s *Service) SoftDelete(ctx context.Context, id string) error {
	s.rotateMu.RLock()
	defer s.rotateMu.RUnlock()

	var (
		revision int64
		priority triage.Priority
	)
	now := time.Now().UTC()
	err := s.store.InTx(ctx, func(txCtx context.Context) error {
		var err error
		revision, priority, err = s.store.Tombstone(txCtx, id)
		if err != nil {
			return err
		}
		return s.audit.Record(txCtx, &audit.Entry{
			RecordID:   id,
			Action:     audit.ActionDeleted,
			Revision:   revision,
			Priority:   string(priority),
			RecordedAt: now,
		})
	})
	if err != nil {
		return err
	}

	s.publish(audit.ActionDeleted, id, priority, revision, now)
	return nil
}

// Purge permanently removes a record's ciphertext and index entry. The audit
// trail survives the purge.
func (s *Service) Purge(ctx context.Context, id string) error {
	s.rotateMu.RLock()
	defer s.rotateMu.RUnlock()

	var (
		revision int64
		priority triage.Priority
	)
	now := time.Now().UTC()
	err := s.store.InTx(ctx, func(txCtx context.Context) error {
		var err error
		revision, priority, err = s.store.Purge(txCtx, id)
		if err != nil {
			return err
		}
		return s.audit.Record(txCtx, &audit.Entry{
			RecordID:   id,
			Action:     audit.ActionPurged,
			Revision:   revision,
			Priority:   string(priority),
			RecordedAt: now,
		})
	})
	if err != nil {
		return err
	}

	s.publish(audit.ActionPurged, id, priority, revision, now)
	return nil
}

// History returns the audit trail for one record, oldest first. Entries
// survive tombstoning and purging.
func (s *Service) History(ctx context.Context, recordID string) ([]audit.Entry, error) {
	return s.audit.ListByRecord(ctx, recordID)
}

// Stats summarizes the roster from index columns alone.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// Verify sweeps every stored payload through an authentication check and
// flags the ones that fail, without altering any readable record.
func (s *Service) Verify(ctx context.Context) (VerifyReport, error) {
	s.rotateMu.RLock()
	defer s.rotateMu.RUnlock()

	var report VerifyReport
	stored, err := s.store.All(ctx, ListFilter{IncludeDeleted: true, IncludeCorrupt: true})
	if err != nil {
		return report, err
	}
	for i := range stored {
		row := &stored[i]
		if row.Corrupt {
			report.AlreadyFlagged++
			continue
		}
		report.Checked++
		if _, err := s.openRecord(row); err != nil {
			if !errors.Is(err, ErrIntegrity) {
				return report, err
			}
			s.flagCorrupt(ctx, row)
			report.Flagged = append(report.Flagged, row.ID)
		}
	}
	return report, nil
}

// RotateKey generates a new data key, re-encrypts every intact record under
// it in one transaction, and retires the old keys from disk only after that
// transaction commits. Normal operations wait while a rotation is running.
//
// The sequence is crash-safe at every step: the new key is appended to the
// key file before any data changes, so an interrupted rotation leaves all
// blobs readable and simply resumes on the next attempt.
func (s *Service) RotateKey(ctx context.Context) (int, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	newKey, err := phi.GenerateKey()
	if err != nil {
		return 0, fmt.Errorf("generate key: %w", err)
	}

	if err := s.keys.Append(s.cipher.CurrentVersion()+1, newKey); err != nil {
		return 0, fmt.Errorf("persist new key: %w", err)
	}
	newVersion, err := s.cipher.Advance(newKey)
	if err != nil {
		return 0, fmt.Errorf("advance keyring: %w", err)
	}

	var replaced int
	now := time.Now().UTC()
	err = s.store.InTx(ctx, func(txCtx context.Context) error {
		var err error
		replaced, err = s.store.ReplaceCiphertexts(txCtx, func(id string, blob []byte) ([]byte, error) {
			plain, err := s.cipher.Decrypt(blob, id)
			if err != nil {
				if errors.Is(err, ErrIntegrity) {
					// Flag the damaged row and keep going; rotation of the
					// healthy records still completes.
					if mErr := s.store.MarkCorrupt(txCtx, id); mErr != nil {
						return nil, mErr
					}
					s.logger.Warn().Str("record_id", id).
						Msg("skipping record that failed integrity check during key rotation")
					return nil, nil
				}
				return nil, err
			}
			return s.cipher.Encrypt(plain, id)
		})
		if err != nil {
			return err
		}
		// The key version rides in the revision column for rotation entries.
		return s.audit.Record(txCtx, &audit.Entry{
			Action:     audit.ActionKeyRotated,
			Revision:   int64(newVersion),
			RecordedAt: now,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("re-encrypt records: %w", err)
	}

	if err := s.keys.Rewrite(newVersion, newKey); err != nil {
		return 0, fmt.Errorf("rewrite key file: %w", err)
	}

	s.logger.Info().Int("key_version", newVersion).Int("records", replaced).
		Msg("key rotation complete")
	s.publish(audit.ActionKeyRotated, "", "", int64(newVersion), now)
	return newVersion, nil
}

func (s *Service) publish(action audit.Action, id string, priority triage.Priority, revision int64, at time.Time) {
	s.bus.Publish(ChangeEvent{
		RecordID: id,
		Action:   action,
		Priority: priority,
		Revision: revision,
		At:       at,
	})
}

// sealRecord serializes and encrypts the confidential part of rec, binding
// the ciphertext to the record ID.
func (s *Service) sealRecord(rec *Record) ([]byte, error) {
	plain, err := json.Marshal(recordPayload{
		Demographics: rec.Demographics,
		Vitals:       rec.Vitals,
		Priority:     rec.Priority,
		Trace:        rec.Trace,
	})
	if err != nil {
		return nil, fmt.Errorf("serialize record: %w", err)
	}
	ciphertext, err := s.cipher.Encrypt(plain, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("encrypt record: %w", err)
	}
	return ciphertext, nil
}

// openRecord decrypts and decodes one stored row. The priority inside the
// authenticated payload wins over the clear index copy.
func (s *Service) openRecord(stored *StoredRecord) (*Record, error) {
	plain, err := s.cipher.Decrypt(stored.Ciphertext, stored.ID)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", stored.ID, err)
	}
	var payload recordPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		// Authenticated but undecodable means the payload was damaged
		// before encryption; treat it the same as a failed tag.
		return nil, fmt.Errorf("record %s: decode payload: %w", stored.ID, ErrIntegrity)
	}
	return &Record{
		ID:           stored.ID,
		Demographics: payload.Demographics,
		Vitals:       payload.Vitals,
		Priority:     payload.Priority,
		Trace:        payload.Trace,
		Revision:     stored.Revision,
		Deleted:      stored.Deleted,
		CreatedAt:    stored.CreatedAt,
		UpdatedAt:    stored.UpdatedAt,
	}, nil
}

// flagCorrupt marks a record whose payload failed authentication so normal
// list views exclude it. Best-effort: the triggering read already failed.
func (s *Service) flagCorrupt(ctx context.Context, stored *StoredRecord) {
	s.logger.Warn().Str("record_id", stored.ID).Msg("record payload failed integrity check")

	err := s.store.InTx(ctx, func(txCtx context.Context) error {
		if err := s.store.MarkCorrupt(txCtx, stored.ID); err != nil {
			return err
		}
		return s.audit.Record(txCtx, &audit.Entry{
			RecordID:   stored.ID,
			Action:     audit.ActionCorruptFlagged,
			Revision:   stored.Revision,
			Priority:   string(stored.Priority),
			RecordedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		s.logger.Error().Err(err).Str("record_id", stored.ID).Msg("failed to flag corrupt record")
	}
}
