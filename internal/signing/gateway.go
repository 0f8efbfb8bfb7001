package signing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/errs"
	lf "github.com/bgt-builder/bgt/internal/logfield"
	"github.com/bgt-builder/bgt/internal/models"
	"github.com/bgt-builder/bgt/internal/tagsource"
	"github.com/bgt-builder/bgt/internal/workspace"
	"github.com/bgt-builder/bgt/pkg/command"
)

const GuixCodesignScript = "contrib/guix/guix-codesign"

type AttestationResult struct {
	Skipped   bool
	Committed bool
	Branch    string
	SumsPath  string
	SigPath   string
}

type CodesignResult struct {
	Log         string
	Attestation *AttestationResult
}

type Gateway interface {
	Attest(ctx context.Context, tag, outputDir string) (*AttestationResult, error)
	AwaitDetachedSignatures(ctx context.Context, tag, outputDir string, required []string) (bool, error)
	Codesign(ctx context.Context, tag, outputDir string) (*CodesignResult, error)
}

// Repo is the slice of the workspace the gateway needs.
type Repo interface {
	Checkout(ctx context.Context, ref string) (string, error)
	SigsDir() string
	SwitchAttestationBranch(ctx context.Context, branch, base string) error
	CommitAttestations(ctx context.Context, message string, files []string) (bool, error)
	Push(ctx context.Context, branch string) error
	SyncDetachedSigs(ctx context.Context, tag string) (string, bool, error)
}

type Options struct {
	AutoPush bool
}

type Guix struct {
	conf     *config.Config
	signer   Signer
	repo     Repo
	detached tagsource.Source
	locks    workspace.Locker
	options  Options
	logger   *zap.Logger
}

func NewGuix(conf *config.Config, signer Signer, repo Repo, detached tagsource.Source, locks workspace.Locker, options Options, logger *zap.Logger) *Guix {
	return &Guix{
		conf:     conf,
		signer:   signer,
		repo:     repo,
		detached: detached,
		locks:    locks,
		options:  options,
		logger:   logger.Named("signing").With(lf.Signer(conf.Signer.Name)),
	}
}

func Branch(signer, tag, kind string) string {
	return fmt.Sprintf("%s-%s-%s-attestations", signer, tag, kind)
}

func (g *Guix) Attest(ctx context.Context, tag, outputDir string) (*AttestationResult, error) {
	return g.attest(ctx, tag, outputDir, KindNoncodesigned, "")
}

// attestationDir is <guix.sigs>/<version>/<signer>.
func (g *Guix) attestationDir(tag string) string {
	return filepath.Join(g.repo.SigsDir(), models.TrimVersion(tag), g.conf.Signer.Name)
}

func (g *Guix) upToDate(ctx context.Context, sums []byte, sumsPath, sigPath string) bool {
	existing, err := os.ReadFile(sumsPath)
	if err != nil || !bytes.Equal(existing, sums) {
		return false
	}
	if err := g.signer.Verify(ctx, sumsPath, sigPath); err != nil {
		g.logger.Warn("Existing attestation does not verify, signing again", zap.String("path", sigPath), zap.Error(err))
		return false
	}
	return true
}

func (g *Guix) hold(ctx context.Context, name string) (func(), error) {
	release, err := g.locks.Hold(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to lock %s", name)
	}
	return release, nil
}

func (g *Guix) attest(ctx context.Context, tag, outputDir, kind, base string) (*AttestationResult, error) {
	release, err := g.hold(ctx, workspace.LockGuixSigs)
	if err != nil {
		return nil, err
	}
	defer release()

	logger := g.logger.With(lf.Tag(tag), zap.String("kind", kind))
	res := &AttestationResult{Branch: Branch(g.conf.Signer.Name, tag, kind)}

	if err := g.repo.SwitchAttestationBranch(ctx, res.Branch, base); err != nil {
		return nil, err
	}

	sums, err := ComputeSums(outputDir, includeFor(kind))
	if err != nil {
		return nil, err
	}

	dir := g.attestationDir(tag)
	res.SumsPath = filepath.Join(dir, SumsFile(kind))
	res.SigPath = res.SumsPath + ".asc"

	if g.upToDate(ctx, sums, res.SumsPath, res.SigPath) {
		logger.Info("Attestation is up to date")
		res.Skipped = true
	} else {
		if err := writeFileAtomic(res.SumsPath, sums); err != nil {
			return nil, errors.Wrap(err, "Failed to write attestation")
		}
		signature, err := g.signer.DetachSign(ctx, res.SumsPath)
		if err != nil {
			return nil, err
		}
		if err := writeFileAtomic(res.SigPath, []byte(signature)); err != nil {
			return nil, errors.Wrap(err, "Failed to write attestation signature")
		}
		logger.Info("Wrote attestation", zap.String("path", res.SumsPath))
	}

	files := make([]string, 0, 4)
	kinds := []string{kind}
	if kind == KindAll {
		kinds = append(kinds, KindNoncodesigned)
	}
	for _, k := range kinds {
		for _, name := range []string{SumsFile(k), SumsFile(k) + ".asc"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			rel, err := filepath.Rel(g.repo.SigsDir(), path)
			if err != nil {
				return nil, err
			}
			files = append(files, rel)
		}
	}

	message := fmt.Sprintf("Add %s attestations by %s for %s", kind, g.conf.Signer.Name, tag)
	res.Committed, err = g.repo.CommitAttestations(ctx, message, files)
	if err != nil {
		return nil, err
	}

	if g.options.AutoPush && res.Committed {
		if err := g.repo.Push(ctx, res.Branch); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func hasFiles(dir string) bool {
	file, err := os.Open(dir)
	if err != nil {
		return false
	}
	defer file.Close()
	_, err = file.Readdirnames(1)
	return err == nil
}

// missingSignatures lists the required signature directories that are not
// published for tag yet. It returns all of them while the tag is unknown.
// Callers hold the detached-sigs lock since the checkout moves to tag.
func (g *Guix) missingSignatures(ctx context.Context, tag string, required []string) ([]string, string, error) {
	exists, err := g.detached.TagExists(ctx, tag)
	if err != nil {
		return nil, "", err
	}
	if !exists {
		return required, "", nil
	}

	dir, found, err := g.repo.SyncDetachedSigs(ctx, tag)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return required, dir, nil
	}

	missing := make([]string, 0)
	for _, name := range required {
		if !hasFiles(filepath.Join(dir, name)) {
			missing = append(missing, name)
		}
	}
	return missing, dir, nil
}

func (g *Guix) AwaitDetachedSignatures(ctx context.Context, tag, outputDir string, required []string) (bool, error) {
	release, err := g.hold(ctx, workspace.LockDetachedSigs)
	if err != nil {
		return false, err
	}
	defer release()

	missing, _, err := g.missingSignatures(ctx, tag, required)
	if err != nil {
		return false, err
	}
	if len(missing) > 0 {
		g.logger.Debug("Detached signatures not available yet", lf.Tag(tag), zap.Strings("missing", missing))
		return false, nil
	}
	return true, nil
}

// Codesign attaches the detached signatures to the build outputs and attests
// the full set. Nothing is touched when signatures are missing.
func (g *Guix) Codesign(ctx context.Context, tag, outputDir string) (*CodesignResult, error) {
	logPath, err := g.codesign(ctx, tag)
	if err != nil {
		return nil, err
	}

	attestation, err := g.attest(ctx, tag, outputDir, KindAll, Branch(g.conf.Signer.Name, tag, KindNoncodesigned))
	if err != nil {
		return nil, err
	}
	return &CodesignResult{Log: logPath, Attestation: attestation}, nil
}

// codesign runs guix-codesign with the bitcoin checkout at tag and the
// detached signatures of tag. Both trees stay locked until it exits.
func (g *Guix) codesign(ctx context.Context, tag string) (string, error) {
	logger := g.logger.With(lf.Tag(tag))

	releaseBitcoin, err := g.hold(ctx, workspace.LockBitcoin)
	if err != nil {
		return "", err
	}
	defer releaseBitcoin()
	releaseDetached, err := g.hold(ctx, workspace.LockDetachedSigs)
	if err != nil {
		return "", err
	}
	defer releaseDetached()

	missing, detachedDir, err := g.missingSignatures(ctx, tag, g.conf.Pipeline.RequiredSignatures)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", &errs.MissingSignatureError{Tag: tag, Missing: missing}
	}

	bitcoinDir, err := g.repo.Checkout(ctx, tag)
	if err != nil {
		return "", errors.Wrapf(err, "Failed to checkout %s", tag)
	}

	if err := os.MkdirAll(g.conf.LogsDir(), 0o755); err != nil {
		return "", errors.Wrap(err, "Failed to create logs directory")
	}
	logPath := filepath.Join(g.conf.LogsDir(), tag+"-codesign.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "Failed to open codesign log")
	}
	defer logFile.Close()

	lines := command.NewLogWriter(logger.Named("guix-codesign"))
	defer lines.Flush()

	cmd := command.New(filepath.Join(bitcoinDir, GuixCodesignScript))
	cmd.Dir = bitcoinDir
	cmd.Env["DETACHED_SIGS_REPO"] = detachedDir
	cmd.Env["FORCE_VERSION"] = models.TrimVersion(tag)
	cmd.Env["SOURCES_PATH"] = g.conf.SourcesCacheDir()
	cmd.Env["BASE_CACHE"] = g.conf.BaseCacheDir()
	cmd.Env["SDK_PATH"] = g.conf.SDKsDir()
	cmd.Output = io.MultiWriter(logFile, lines)

	logger.Info("Starting guix codesign", zap.String("log", logPath))
	out, err := cmd.Run(context.WithoutCancel(ctx))
	if err != nil {
		return "", errs.NewBuildFailure(tag, out.ExitCode, logPath, errors.Wrap(err, "Codesigning failed"))
	}
	return logPath, nil
}

// CheckSigning makes a throwaway signature to prove the key is usable before
// unattended runs.
func CheckSigning(ctx context.Context, signer Signer) error {
	tmp, err := os.CreateTemp("", "bgt-signing-check-*")
	if err != nil {
		return errors.Wrap(err, "Failed to create signing check file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString("bgt signing check\n"); err != nil {
		tmp.Close()
		return errors.Wrap(err, "Failed to write signing check file")
	}
	tmp.Close()

	signature, err := signer.DetachSign(ctx, tmp.Name())
	if err != nil {
		return errors.Wrapf(err, "Signing with %s does not work", signer.Identity())
	}

	sigPath := tmp.Name() + ".asc"
	defer os.Remove(sigPath)
	if err := os.WriteFile(sigPath, []byte(signature), 0o600); err != nil {
		return errors.Wrap(err, "Failed to write signing check signature")
	}
	return errors.Wrapf(signer.Verify(ctx, tmp.Name(), sigPath), "Signature made with %s does not verify", signer.Identity())
}
