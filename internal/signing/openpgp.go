package signing

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/pkg/errors"
)

// OpenPGP signs with a key from an armored keyring file without calling gpg.
type OpenPGP struct {
	entity *openpgp.Entity
}

func LoadOpenPGP(path, identity, passphrase string) (*OpenPGP, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open keyring")
	}
	defer file.Close()

	entities, err := openpgp.ReadArmoredKeyRing(file)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read keyring")
	}

	signer, err := NewOpenPGP(entities, identity)
	if err != nil {
		return nil, err
	}
	if err := decrypt(signer.entity, []byte(passphrase)); err != nil {
		return nil, errors.Wrap(err, "Failed to decrypt signing key")
	}
	return signer, nil
}

func decrypt(entity *openpgp.Entity, passphrase []byte) error {
	if entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
			return err
		}
	}
	for _, subkey := range entity.Subkeys {
		if subkey.PrivateKey != nil && subkey.PrivateKey.Encrypted {
			if err := subkey.PrivateKey.Decrypt(passphrase); err != nil {
				return err
			}
		}
	}
	return nil
}

func matches(entity *openpgp.Entity, identity string) bool {
	if identity == "" {
		return true
	}
	want := strings.ToUpper(strings.TrimPrefix(identity, "0x"))
	if strings.HasSuffix(hexFingerprint(entity), want) {
		return true
	}
	for name := range entity.Identities {
		if strings.Contains(name, identity) {
			return true
		}
	}
	return false
}

func hexFingerprint(entity *openpgp.Entity) string {
	return strings.ToUpper(hex.EncodeToString(entity.PrimaryKey.Fingerprint))
}

// NewOpenPGP selects the first private key in entities matching identity (a
// fingerprint suffix or part of a user id).
func NewOpenPGP(entities openpgp.EntityList, identity string) (*OpenPGP, error) {
	for _, entity := range entities {
		if entity.PrivateKey == nil {
			continue
		}
		if matches(entity, identity) {
			return &OpenPGP{entity: entity}, nil
		}
	}
	return nil, errors.Errorf("No private key for %q in keyring", identity)
}

func (o *OpenPGP) Identity() string {
	return hexFingerprint(o.entity)
}

func (o *OpenPGP) DetachSign(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "Failed to open file to sign")
	}
	defer file.Close()

	buf := &bytes.Buffer{}
	if err := openpgp.ArmoredDetachSign(buf, o.entity, file, nil); err != nil {
		return "", errors.Wrapf(err, "Failed to sign %s", path)
	}
	return buf.String(), nil
}

func (o *OpenPGP) Verify(ctx context.Context, path, sigPath string) error {
	signed, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "Failed to open signed file")
	}
	defer signed.Close()

	signature, err := os.Open(sigPath)
	if err != nil {
		return errors.Wrap(err, "Failed to open signature")
	}
	defer signature.Close()

	signer, err := openpgp.CheckArmoredDetachedSignature(openpgp.EntityList{o.entity}, signed, signature, nil)
	if err != nil {
		return errors.Wrapf(err, "Bad signature %s", sigPath)
	}
	if !bytes.Equal(signer.PrimaryKey.Fingerprint, o.entity.PrimaryKey.Fingerprint) {
		return errors.Errorf("Signature %s was not made by %s", sigPath, o.Identity())
	}
	return nil
}
