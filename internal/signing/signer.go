package signing

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/pkg/command"
)

// Signer produces and checks armored detached signatures.
type Signer interface {
	Identity() string
	DetachSign(ctx context.Context, path string) (string, error)
	Verify(ctx context.Context, path, sigPath string) error
}

// NewSigner picks the keyring signer when a keyring file is configured and
// the gpg binary otherwise.
func NewSigner(conf *config.Config) (Signer, error) {
	if conf.Signer.Keyring != "" {
		return LoadOpenPGP(conf.Signer.Keyring, conf.Signer.GPGKeyID, conf.Signer.Passphrase)
	}
	if conf.Signer.GPGKeyID == "" {
		return nil, errors.New("No signing key configured")
	}
	return NewGPG(conf.Signer.GPGKeyID, conf.Signer.Passphrase), nil
}

type GPG struct {
	Binary     string
	key        string
	passphrase string
}

func NewGPG(key, passphrase string) *GPG {
	return &GPG{Binary: "gpg", key: key, passphrase: passphrase}
}

func (g *GPG) Identity() string {
	return g.key
}

func (g *GPG) command(args ...string) *command.Command {
	base := []string{"--batch", "--yes"}
	if g.passphrase != "" {
		base = append(base, "--pinentry-mode", "loopback", "--passphrase-fd", "0")
	}
	cmd := command.New(g.Binary, append(base, args...)...)
	if g.passphrase != "" {
		cmd.Stdin = strings.NewReader(g.passphrase + "\n")
	}
	return cmd
}

func (g *GPG) DetachSign(ctx context.Context, path string) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sig-*.asc")
	if err != nil {
		return "", errors.Wrap(err, "Failed to create signature file")
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	cmd := g.command("--local-user", g.key, "--armor", "--detach-sign", "--output", tmp.Name(), path)
	if res, err := cmd.Run(ctx); err != nil {
		return "", errors.Wrapf(err, "Failed to sign %s: %s", path, strings.TrimSpace(res.Output))
	}

	signature, err := os.ReadFile(tmp.Name())
	if err != nil {
		return "", errors.Wrap(err, "Failed to read signature")
	}
	return string(signature), nil
}

func (g *GPG) Verify(ctx context.Context, path, sigPath string) error {
	res, err := g.command("--status-fd", "1", "--verify", sigPath, path).Run(ctx)
	if err != nil {
		return errors.Wrapf(err, "Failed to verify %s", sigPath)
	}

	key := strings.ToUpper(strings.TrimPrefix(g.key, "0x"))
	for _, line := range strings.Split(res.Output, "\n") {
		if strings.Contains(line, "VALIDSIG") && strings.Contains(strings.ToUpper(line), key) {
			return nil
		}
	}
	return errors.Errorf("Signature %s was not made by %s", sigPath, g.key)
}
