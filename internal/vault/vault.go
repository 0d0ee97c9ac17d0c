// Package vault decrypts account credentials on demand.
//
// Plaintext only ever exists inside the scope of a single executor call;
// nothing decrypted is written back to storage or logs.
package vault

import (
	"errors"
	"fmt"

	"snspilot/internal/storage"
)

// Cipher is the external encryption primitive the vault wraps.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	// IsEncrypted reports whether the stored value is recognizably
	// ciphertext produced by this cipher.
	IsEncrypted(value string) bool
}

// Error wraps decryption and encryption-state failures. A vault error on a
// stored credential means data corruption (or a plaintext leak), not a
// transient condition: the action is failed and operators are alerted.
type Error struct {
	AccountID string
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vault: account %s: %s: %v", e.AccountID, e.Reason, e.Err)
	}
	return fmt.Sprintf("vault: account %s: %s", e.AccountID, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// IsVaultError reports whether err originated in the vault.
func IsVaultError(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

// Credentials is the transient decrypted bundle. Never persist or log it.
type Credentials struct {
	Secret string
	Proxy  string
}

type Vault struct {
	cipher Cipher
}

func New(cipher Cipher) *Vault {
	return &Vault{cipher: cipher}
}

// Resolve decrypts the account's credential bundle.
//
// A stored value that does not look encrypted is rejected outright: it
// means something upstream wrote plaintext, and silently using it would
// hide the leak.
func (v *Vault) Resolve(account storage.Account) (Credentials, error) {
	if v == nil || v.cipher == nil {
		return Credentials{}, &Error{AccountID: account.ID, Reason: "no cipher configured"}
	}
	if account.Credentials == "" {
		return Credentials{}, &Error{AccountID: account.ID, Reason: "empty credential bundle"}
	}
	if !v.cipher.IsEncrypted(account.Credentials) {
		return Credentials{}, &Error{AccountID: account.ID, Reason: "stored credentials are not encrypted"}
	}

	secret, err := v.cipher.Decrypt(account.Credentials)
	if err != nil {
		return Credentials{}, &Error{AccountID: account.ID, Reason: "credential decrypt failed", Err: err}
	}

	creds := Credentials{Secret: secret}
	if account.Proxy != "" {
		if !v.cipher.IsEncrypted(account.Proxy) {
			return Credentials{}, &Error{AccountID: account.ID, Reason: "stored proxy is not encrypted"}
		}
		proxy, err := v.cipher.Decrypt(account.Proxy)
		if err != nil {
			return Credentials{}, &Error{AccountID: account.ID, Reason: "proxy decrypt failed", Err: err}
		}
		creds.Proxy = proxy
	}
	return creds, nil
}
