package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// passphraseSalt namespaces the derived passphrase to this application so
// the same machine identity cannot unlock other tools' scrypt blobs.
const passphraseSalt = "adherence-credential-v1"

// machineIDPaths are tried in order for a stable host identifier.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// machinePassphrase derives a host-scoped passphrase: a hash of the machine
// identity mixed with the application salt. Every process on the host
// derives the same value, which is exactly the scoping the pipeline needs:
// the secret protects against the file leaving the machine, not against
// local root.
func machinePassphrase() (string, error) {
	id, err := machineIdentity()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(passphraseSalt + ":" + id))
	return hex.EncodeToString(sum[:]), nil
}

func machineIdentity() (string, error) {
	for _, path := range machineIDPaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := strings.TrimSpace(string(raw))
		if id != "" {
			return id, nil
		}
	}
	// Fallback for hosts without a machine-id file.
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "", fmt.Errorf("no machine identity available: %w", err)
	}
	return "hostname:" + host, nil
}
