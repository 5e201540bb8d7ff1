package credential

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
)

// FileName is the fixed credential file name under the pipeline home.
const FileName = "credential.age"

// FileStore encrypts the credential with an age scrypt recipient and writes
// it to one well-known path. Writes are atomic (temp file + rename in the
// same directory) so a concurrent reader never observes a torn file.
type FileStore struct {
	path string

	// derive supplies the passphrase on first use. Deriving lazily keeps
	// construction infallible; a host without a readable machine identity
	// surfaces the error from Save/Load instead.
	derive func() (string, error)

	once       sync.Once
	passphrase string
	deriveErr  error
}

// NewFileStore builds a store at an explicit path with an explicit
// passphrase. Used directly in tests; production callers use
// NewMachineStore.
func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{path: path, derive: func() (string, error) { return passphrase, nil }}
}

// NewMachineStore builds the host-scoped store at <homeDir>/credential.age,
// keyed by the machine identity.
func NewMachineStore(homeDir string) *FileStore {
	return &FileStore{path: filepath.Join(homeDir, FileName), derive: machinePassphrase}
}

func (s *FileStore) resolvePassphrase() (string, error) {
	s.once.Do(func() {
		s.passphrase, s.deriveErr = s.derive()
	})
	if s.deriveErr != nil {
		return "", fmt.Errorf("derive credential passphrase: %w", s.deriveErr)
	}
	return s.passphrase, nil
}

// Path returns the credential file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Save(cred Credential) error {
	if cred.DeviceID == "" || cred.DeviceKey == "" {
		return fmt.Errorf("save credential: identity and secret are both required")
	}

	passphrase, err := s.resolvePassphrase()
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("build scrypt recipient: %w", err)
	}
	// The passphrase is a high-entropy machine-derived hash, not something
	// a human typed; a modest work factor keeps Save/Load cheap without
	// weakening the envelope.
	recipient.SetWorkFactor(12)

	var ciphertext bytes.Buffer
	w, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return fmt.Errorf("start credential encryption: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize credential encryption: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}

	// Atomic replace: write to a temp file in the same directory, sync,
	// then rename over the destination.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create credential temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("restrict credential permissions: %w", err)
	}
	if _, err := tmp.Write(ciphertext.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write credential temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync credential temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credential temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}

func (s *FileStore) Load() (Credential, bool, error) {
	passphrase, err := s.resolvePassphrase()
	if err != nil {
		return Credential{}, false, err
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, false, nil
		}
		return Credential{}, false, fmt.Errorf("read credential file: %w", err)
	}
	if len(raw) == 0 {
		return Credential{}, false, nil
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return Credential{}, false, fmt.Errorf("build scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		// Undecryptable counts as absent: the file may belong to another
		// machine image or be damaged. Re-bootstrap is the remedy.
		return Credential{}, false, nil
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return Credential{}, false, nil
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return Credential{}, false, nil
	}
	if cred.DeviceID == "" || cred.DeviceKey == "" {
		return Credential{}, false, nil
	}
	return cred, true, nil
}

func (s *FileStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete credential file: %w", err)
	}
	return nil
}
