// Package credential persists the device identity and secret at rest. The
// default backend encrypts with an age scrypt recipient whose passphrase is
// derived from the machine identity, so any process on the host can decrypt
// regardless of which user is logged in. The daemon runs in a different
// security context than the interactive session agent.
package credential

// Credential is the (device identity, secret) pair issued at provisioning
// time. Singleton per installation.
type Credential struct {
	DeviceID  string `json:"device_id"`
	DeviceKey string `json:"device_key"`
}

// Store is the narrow capability surface the pipeline needs. Load returns
// ok=false, not an error, when no credential is present: a missing, empty
// or undecryptable file is a normal retry-later condition, not a fault.
type Store interface {
	Save(cred Credential) error
	Load() (Credential, bool, error)
	Delete() error
}
