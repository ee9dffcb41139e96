package phi

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
)

// Key version envelope: "v{version}:" prepended to the sealed bytes.
const keyVersionPrefix = "v"
const keyVersionSeparator = ":"

// Keyring encrypts with the current key version and decrypts blobs sealed
// under any version it still holds. Normal operations take the read lock;
// Advance takes the write lock, so a rotation installs its key without
// racing in-flight calls.
type Keyring struct {
	mu         sync.RWMutex
	current    *RecordEncryptor
	currentVer int
	previous   map[int]*RecordEncryptor
}

// NewKeyring creates a keyring with the current key.
func NewKeyring(currentKey []byte, currentVersion int) (*Keyring, error) {
	if currentVersion < 1 {
		return nil, fmt.Errorf("keyring: version must be >= 1, got %d", currentVersion)
	}
	enc, err := NewRecordEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("keyring: current key: %w", err)
	}
	return &Keyring{
		current:    enc,
		currentVer: currentVersion,
		previous:   make(map[int]*RecordEncryptor),
	}, nil
}

// AddPreviousKey adds a retired key so blobs sealed under it stay readable.
func (r *Keyring) AddPreviousKey(key []byte, version int) error {
	enc, err := NewRecordEncryptor(key)
	if err != nil {
		return fmt.Errorf("keyring: previous key v%d: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if version >= r.currentVer {
		return fmt.Errorf("keyring: previous key version %d is not older than current %d", version, r.currentVer)
	}
	r.previous[version] = enc
	return nil
}

// Encrypt seals data with the current key and prepends the version envelope.
func (r *Keyring) Encrypt(data []byte, recordID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sealed, err := r.current.Encrypt(data, recordID)
	if err != nil {
		return nil, err
	}

	prefix := []byte(fmt.Sprintf("%s%d%s", keyVersionPrefix, r.currentVer, keyVersionSeparator))
	return append(prefix, sealed...), nil
}

// Decrypt reads the version envelope and opens the blob with the matching
// key. A missing or unparseable envelope, or a version this keyring does not
// hold, is reported as ErrIntegrity: the blob cannot be authenticated.
func (r *Keyring) Decrypt(data []byte, recordID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, sealed, err := parseVersionedBlob(data)
	if err != nil {
		return nil, fmt.Errorf("phi decrypt: %v: %w", err, ErrIntegrity)
	}

	if version == r.currentVer {
		return r.current.Decrypt(sealed, recordID)
	}

	enc, ok := r.previous[version]
	if !ok {
		return nil, fmt.Errorf("phi decrypt: no key for version %d: %w", version, ErrIntegrity)
	}
	return enc.Decrypt(sealed, recordID)
}

// NeedsRotation reports whether a blob was sealed under a non-current version.
func (r *Keyring) NeedsRotation(data []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, _, err := parseVersionedBlob(data)
	if err != nil {
		return true
	}
	return version != r.currentVer
}

// CurrentVersion returns the current key version.
func (r *Keyring) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentVer
}

// Advance installs newKey as the next version, retiring the current key to
// the previous set so existing blobs stay readable until they are re-sealed.
// Returns the new version.
func (r *Keyring) Advance(newKey []byte) (int, error) {
	enc, err := NewRecordEncryptor(newKey)
	if err != nil {
		return 0, fmt.Errorf("keyring: advance: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous[r.currentVer] = r.current
	r.currentVer++
	r.current = enc
	return r.currentVer, nil
}

// parseVersionedBlob splits "v{N}:" from the sealed bytes.
func parseVersionedBlob(data []byte) (int, []byte, error) {
	if !bytes.HasPrefix(data, []byte(keyVersionPrefix)) {
		return 0, nil, fmt.Errorf("no version prefix")
	}

	idx := bytes.Index(data, []byte(keyVersionSeparator))
	if idx < 0 {
		return 0, nil, fmt.Errorf("no version separator")
	}

	version, err := strconv.Atoi(string(data[len(keyVersionPrefix):idx]))
	if err != nil {
		return 0, nil, fmt.Errorf("invalid version: %v", err)
	}
	if version < 1 {
		return 0, nil, fmt.Errorf("invalid version %d", version)
	}

	return version, data[idx+1:], nil
}
