// Package archive builds and verifies the encrypted snapshot archive:
// a tar stream of the configured source directories, compressed and
// wrapped in age encryption with a key derived from a passphrase.
package archive

import (
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/term"

	"github.com/engels74/stacksave/pkg/bech32"
)

const (
	passphraseSalt   = "stacksave/age-passphrase/v1"
	passphraseScrN   = 1 << 15
	passphraseScrR   = 8
	passphraseScrP   = 1
	minPassphraseLen = 8
)

// injected for tests
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// LoadPassphrase reads the backup passphrase from the given file. When
// the file does not exist and stdin is a terminal, the passphrase is
// prompted instead so interactive runs keep working without a secrets
// file in place.
func LoadPassphrase(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		pass := strings.TrimSpace(string(data))
		if pass == "" {
			return "", fmt.Errorf("passphrase file %s is empty", path)
		}
		return pass, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read passphrase file %s: %w", path, err)
	}

	if !isTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("passphrase file %s not found and stdin is not a terminal", path)
	}
	fmt.Fprint(os.Stderr, "Backup passphrase: ")
	raw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	pass := strings.TrimSpace(string(raw))
	if pass == "" {
		return "", fmt.Errorf("empty passphrase")
	}
	return pass, nil
}

// ValidatePassphrase enforces a minimum length. Key derivation accepts
// anything, so weak secrets are rejected up front instead.
func ValidatePassphrase(pass string) error {
	if len(pass) < minPassphraseLen {
		return fmt.Errorf("passphrase too short; use at least %d characters", minPassphraseLen)
	}
	return nil
}

// DeriveIdentity deterministically derives the X25519 age identity for
// the passphrase. The same passphrase always yields the same identity,
// so archives remain decryptable without a stored key file.
func DeriveIdentity(passphrase string) (*age.X25519Identity, error) {
	key, err := deriveScalar(passphrase)
	if err != nil {
		return nil, err
	}
	secret, err := bech32.Encode("AGE-SECRET-KEY-", key)
	if err != nil {
		return nil, fmt.Errorf("encode secret key: %w", err)
	}
	return age.ParseX25519Identity(strings.ToUpper(secret))
}

// DeriveRecipientString derives the public age recipient string for the
// passphrase, for logging and external tooling.
func DeriveRecipientString(passphrase string) (string, error) {
	key, err := deriveScalar(passphrase)
	if err != nil {
		return "", err
	}
	public, err := curve25519.X25519(key, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive X25519 public key: %w", err)
	}
	recipient, err := bech32.Encode("age", public)
	if err != nil {
		return "", fmt.Errorf("encode recipient: %w", err)
	}
	return recipient, nil
}

func deriveScalar(passphrase string) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), []byte(passphraseSalt), passphraseScrN, passphraseScrR, passphraseScrP, curve25519.ScalarSize)
	if err != nil {
		return nil, fmt.Errorf("derive key from passphrase: %w", err)
	}
	clampScalar(key)
	return key, nil
}

func clampScalar(k []byte) {
	if len(k) != curve25519.ScalarSize {
		return
	}
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
