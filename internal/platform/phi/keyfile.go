package phi

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters for deriving the wrapping key from a passphrase.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	saltSize     = 16
)

// keyFile is the on-disk layout. When wrapped, each key entry is sealed by an
// argon2id-derived key; otherwise the raw key is stored and the 0600 file
// mode is the only guard.
type keyFile struct {
	Wrapped bool           `json:"wrapped"`
	Salt    []byte         `json:"salt,omitempty"`
	Keys    []keyFileEntry `json:"keys"`
}

type keyFileEntry struct {
	Version int    `json:"version"`
	Key     []byte `json:"key"`
}

// KeyStore loads and persists the versioned data-encryption keys for one
// installation. The file may hold more than one version mid-rotation; the
// highest version is always the current key.
type KeyStore struct {
	path       string
	passphrase string
}

// NewKeyStore creates a KeyStore for the key file at path. An empty
// passphrase stores keys unwrapped.
func NewKeyStore(path, passphrase string) *KeyStore {
	return &KeyStore{path: path, passphrase: passphrase}
}

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Load reads the key file and builds a Keyring from every version it holds.
// On first run the file does not exist yet: a version-1 key is generated and
// persisted, and created reports true. A file stored raw is silently
// re-written wrapped once a passphrase is configured.
func (s *KeyStore) Load() (kr *Keyring, created bool, err error) {
	keys, wrapped, err := s.readKeys()
	if os.IsNotExist(err) {
		key, genErr := GenerateKey()
		if genErr != nil {
			return nil, false, genErr
		}
		if writeErr := s.writeKeys(map[int][]byte{1: key}); writeErr != nil {
			return nil, false, writeErr
		}
		kr, krErr := NewKeyring(key, 1)
		return kr, true, krErr
	}
	if err != nil {
		return nil, false, err
	}

	if !wrapped && s.passphrase != "" {
		if err := s.writeKeys(keys); err != nil {
			return nil, false, fmt.Errorf("wrap key file: %w", err)
		}
	}

	versions := make([]int, 0, len(keys))
	for v := range keys {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	if len(versions) == 0 {
		return nil, false, fmt.Errorf("key file %s holds no keys", s.path)
	}

	currentVer := versions[len(versions)-1]
	kr, err = NewKeyring(keys[currentVer], currentVer)
	if err != nil {
		return nil, false, err
	}
	for _, v := range versions[:len(versions)-1] {
		if err := kr.AddPreviousKey(keys[v], v); err != nil {
			return nil, false, err
		}
	}
	return kr, false, nil
}

// Append persists an additional key version alongside the existing ones.
// Called before a rotation starts re-encrypting, so a crash mid-rotation
// leaves every key needed to read the store.
func (s *KeyStore) Append(version int, key []byte) error {
	keys, _, err := s.readKeys()
	if err != nil {
		return err
	}
	if _, exists := keys[version]; exists {
		return fmt.Errorf("key file %s already holds version %d", s.path, version)
	}
	keys[version] = key
	return s.writeKeys(keys)
}

// Rewrite persists only the given version, dropping retired keys. Called
// after a rotation has committed and no blob references an older version.
func (s *KeyStore) Rewrite(version int, key []byte) error {
	return s.writeKeys(map[int][]byte{version: key})
}

func (s *KeyStore) readKeys() (map[int][]byte, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false, err
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, false, fmt.Errorf("parse key file %s: %w", s.path, err)
	}

	keys := make(map[int][]byte, len(kf.Keys))
	if !kf.Wrapped {
		for _, e := range kf.Keys {
			keys[e.Version] = e.Key
		}
		return keys, false, nil
	}

	if s.passphrase == "" {
		return nil, false, fmt.Errorf("key file %s is passphrase-protected but no passphrase is configured", s.path)
	}
	unwrapper, err := NewRecordEncryptor(s.deriveWrapKey(kf.Salt))
	if err != nil {
		return nil, false, err
	}
	for _, e := range kf.Keys {
		key, err := unwrapper.Decrypt(e.Key, keyContext(e.Version))
		if err != nil {
			return nil, false, fmt.Errorf("unwrap key v%d (wrong passphrase or corrupted file): %w", e.Version, err)
		}
		keys[e.Version] = key
	}
	return keys, true, nil
}

func (s *KeyStore) writeKeys(keys map[int][]byte) error {
	kf := keyFile{}

	if s.passphrase != "" {
		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		wrapper, err := NewRecordEncryptor(s.deriveWrapKey(salt))
		if err != nil {
			return err
		}
		kf.Wrapped = true
		kf.Salt = salt
		for v, key := range keys {
			sealed, err := wrapper.Encrypt(key, keyContext(v))
			if err != nil {
				return fmt.Errorf("wrap key v%d: %w", v, err)
			}
			kf.Keys = append(kf.Keys, keyFileEntry{Version: v, Key: sealed})
		}
	} else {
		for v, key := range keys {
			kf.Keys = append(kf.Keys, keyFileEntry{Version: v, Key: key})
		}
	}

	sort.Slice(kf.Keys, func(i, j int) bool { return kf.Keys[i].Version < kf.Keys[j].Version })

	data, err := json.Marshal(&kf)
	if err != nil {
		return fmt.Errorf("encode key file: %w", err)
	}

	// Write-then-rename so a crash never leaves a truncated key file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace key file: %w", err)
	}
	return nil
}

func (s *KeyStore) deriveWrapKey(salt []byte) []byte {
	return argon2.IDKey([]byte(s.passphrase), salt, argonTime, argonMemory, argonThreads, KeySize)
}

func keyContext(version int) string {
	return fmt.Sprintf("key:v%d", version)
}
