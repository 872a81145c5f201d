package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/joho/godotenv"
)

// ErrWrongPassphrase is returned when a vault cannot be opened with the given passphrase.
var ErrWrongPassphrase = errors.New("vault passphrase does not match")

// scryptWorkFactor overrides age's default scrypt cost when positive.
var scryptWorkFactor int

// Vault serves credentials from an age-encrypted .env document. The
// plaintext exists only in memory after OpenVault.
type Vault struct {
	*mapSource
	path string
}

// OpenVault decrypts the armored vault file at path.
func OpenVault(path, passphrase string) (*Vault, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vault %s: %w", path, err)
	}
	defer f.Close()

	plaintext, err := Unseal(f, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	values, err := godotenv.UnmarshalBytes(plaintext)
	clear(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%s: parse vault contents: %w", path, err)
	}
	return &Vault{mapSource: newMapSource("vault:"+path, values), path: path}, nil
}

// Seal encrypts plaintext to w under passphrase, ASCII-armored.
func Seal(w io.Writer, plaintext []byte, passphrase string) error {
	if passphrase == "" {
		return errors.New("vault passphrase must not be empty")
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if scryptWorkFactor > 0 {
		recipient.SetWorkFactor(scryptWorkFactor)
	}

	aw := armor.NewWriter(w)
	enc, err := age.Encrypt(aw, recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := enc.Write(plaintext); err != nil {
		return fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}
	return aw.Close()
}

// Unseal decrypts an armored vault stream.
func Unseal(r io.Reader, passphrase string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	dec, err := age.Decrypt(armor.NewReader(r), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}

// SealFile encrypts plaintext into path with mode 0600, replacing it atomically.
func SealFile(path string, plaintext []byte, passphrase string) error {
	var buf bytes.Buffer
	if err := Seal(&buf, plaintext, passphrase); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return fmt.Errorf("create temp vault: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write vault: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod vault: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close vault: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Path returns the backing file.
func (v *Vault) Path() string { return v.path }
