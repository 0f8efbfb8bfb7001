package workspace

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/config"
	lf "github.com/bgt-builder/bgt/internal/logfield"
)

const (
	Origin   = "origin"
	Upstream = "upstream"
)

// Repos manages the git checkouts below build.dir: the bitcoin sources, the
// guix.sigs attestation repository and the detached signatures.
type Repos struct {
	conf   *config.Config
	logger *zap.Logger
}

func NewRepos(conf *config.Config, logger *zap.Logger) *Repos {
	return &Repos{
		conf:   conf,
		logger: logger.Named("workspace"),
	}
}

func tokenAuth(user, token string) transport.AuthMethod {
	if token == "" {
		return nil
	}
	if user == "" {
		user = "bgt"
	}
	return &http.BasicAuth{Username: user, Password: token}
}

func ignoreUpToDate(err error) error {
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

func (r *Repos) open(ctx context.Context, dir, url, remote string, auth transport.AuthMethod) (*git.Repository, error) {
	repo, err := git.PlainOpen(dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, errors.Wrapf(err, "Failed to open %s", dir)
	}

	r.logger.Info("Cloning repository", zap.String("url", url), lf.Dir(dir))
	repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:        url,
		RemoteName: remote,
		Auth:       auth,
		Tags:       git.AllTags,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, errors.Wrapf(err, "Failed to clone %s", url)
	}
	return repo, nil
}

func fetch(ctx context.Context, repo *git.Repository, remote string, auth transport.AuthMethod) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec("+refs/heads/*:refs/remotes/" + remote + "/*"),
			gitconfig.RefSpec("+refs/tags/*:refs/tags/*"),
		},
		Tags:  git.AllTags,
		Force: true,
		Auth:  auth,
	})
	return ignoreUpToDate(err)
}

func resolve(repo *git.Repository, candidates ...string) (*plumbing.Hash, error) {
	var lastErr error
	for _, candidate := range candidates {
		hash, err := repo.ResolveRevision(plumbing.Revision(candidate))
		if err == nil {
			return hash, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func checkoutHash(repo *git.Repository, hash plumbing.Hash) error {
	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "Failed to open worktree")
	}
	return errors.Wrap(wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}), "Failed to checkout")
}

// Prepare makes sure all checkouts exist. Missing ones are cloned.
func (r *Repos) Prepare(ctx context.Context) error {
	for _, dir := range []string{r.conf.Build.Dir, r.conf.SDKsDir(), r.conf.SourcesCacheDir(), r.conf.BaseCacheDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "Failed to create %s", dir)
		}
	}

	if _, err := r.bitcoin(ctx); err != nil {
		return err
	}
	if _, err := r.detached(ctx); err != nil {
		return err
	}
	if _, err := r.guixSigs(ctx); err != nil {
		return err
	}
	return nil
}

func (r *Repos) bitcoin(ctx context.Context) (*git.Repository, error) {
	return r.open(ctx, r.conf.BitcoinDir(), r.conf.Source.CloneURL(), Origin, tokenAuth("", r.conf.Source.Token))
}

func (r *Repos) detached(ctx context.Context) (*git.Repository, error) {
	return r.open(ctx, r.conf.DetachedSigsDir(), r.conf.Detached.CloneURL(), Origin, tokenAuth("", r.conf.Detached.Token))
}

func (r *Repos) guixSigs(ctx context.Context) (*git.Repository, error) {
	repo, err := r.open(ctx, r.conf.GuixSigsDir(), r.conf.Build.GuixSigsURL, Upstream, nil)
	if err != nil {
		return nil, err
	}

	if fork := r.conf.Signer.GuixSigsFork; fork != "" {
		_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: Origin, URLs: []string{fork}})
		if err != nil && !errors.Is(err, git.ErrRemoteExists) {
			return nil, errors.Wrap(err, "Failed to add guix.sigs fork remote")
		}
	}
	return repo, nil
}

// Checkout moves the bitcoin checkout to a tag or a remote branch and
// returns the checkout directory.
func (r *Repos) Checkout(ctx context.Context, ref string) (string, error) {
	repo, err := r.bitcoin(ctx)
	if err != nil {
		return "", err
	}

	auth := tokenAuth("", r.conf.Source.Token)
	if err := fetch(ctx, repo, Origin, auth); err != nil {
		return "", errors.Wrap(err, "Failed to fetch bitcoin")
	}

	hash, err := resolve(repo, "refs/tags/"+ref, "refs/remotes/"+Origin+"/"+ref, ref)
	if err != nil {
		return "", errors.Wrapf(err, "Failed to resolve %s", ref)
	}
	if err := checkoutHash(repo, *hash); err != nil {
		return "", err
	}

	r.logger.Info("Checked out bitcoin", lf.Tag(ref), zap.String("commit", hash.String()))
	return r.conf.BitcoinDir(), nil
}

// SyncDetachedSigs updates the detached signatures checkout and moves it to
// the tag. It reports false when the tag is not published yet.
func (r *Repos) SyncDetachedSigs(ctx context.Context, tag string) (string, bool, error) {
	repo, err := r.detached(ctx)
	if err != nil {
		return "", false, err
	}
	if err := fetch(ctx, repo, Origin, tokenAuth("", r.conf.Detached.Token)); err != nil {
		return "", false, errors.Wrap(err, "Failed to fetch detached signatures")
	}

	hash, err := resolve(repo, "refs/tags/"+tag)
	if err != nil {
		return r.conf.DetachedSigsDir(), false, nil
	}
	if err := checkoutHash(repo, *hash); err != nil {
		return "", false, err
	}
	return r.conf.DetachedSigsDir(), true, nil
}

func (r *Repos) SigsDir() string {
	return r.conf.GuixSigsDir()
}

// SwitchAttestationBranch checks out an attestation branch in guix.sigs. A
// new branch starts at base when that branch exists, else at upstream's
// default branch. Callers serialize work on the guix.sigs tree.
func (r *Repos) SwitchAttestationBranch(ctx context.Context, branch, base string) error {
	repo, err := r.guixSigs(ctx)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "Failed to open guix.sigs worktree")
	}

	ref := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(ref, true); err == nil {
		return errors.Wrap(wt.Checkout(&git.CheckoutOptions{Branch: ref, Force: true}), "Failed to checkout attestation branch")
	}

	if err := fetch(ctx, repo, Upstream, nil); err != nil {
		r.logger.Warn("Failed to refresh guix.sigs, branching from the local copy", zap.Error(err))
	}

	candidates := make([]string, 0, 4)
	if base != "" {
		candidates = append(candidates, "refs/heads/"+base)
	}
	candidates = append(candidates, "refs/remotes/"+Upstream+"/main", "refs/remotes/"+Upstream+"/master", "HEAD")
	hash, err := resolve(repo, candidates...)
	if err != nil {
		return errors.Wrap(err, "Failed to find a base for the attestation branch")
	}

	err = wt.Checkout(&git.CheckoutOptions{Hash: *hash, Branch: ref, Create: true, Force: true})
	return errors.Wrap(err, "Failed to create attestation branch")
}

// CommitAttestations commits files (relative to guix.sigs) on the current
// branch. Nothing is committed when they are unchanged.
func (r *Repos) CommitAttestations(ctx context.Context, message string, files []string) (bool, error) {
	repo, err := r.guixSigs(ctx)
	if err != nil {
		return false, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, errors.Wrap(err, "Failed to open guix.sigs worktree")
	}

	for _, file := range files {
		if _, err := wt.Add(filepath.ToSlash(file)); err != nil {
			return false, errors.Wrapf(err, "Failed to stage %s", file)
		}
	}

	status, err := wt.Status()
	if err != nil {
		return false, errors.Wrap(err, "Failed to get guix.sigs status")
	}
	staged := false
	for _, file := range files {
		if s, ok := status[filepath.ToSlash(file)]; ok && s.Staging != git.Unmodified && s.Staging != git.Untracked {
			staged = true
			break
		}
	}
	if !staged {
		return false, nil
	}

	email := r.conf.Signer.Email
	if email == "" {
		email = r.conf.Signer.Name + "@users.noreply.github.com"
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: r.conf.Signer.Name, Email: email, When: time.Now()},
	})
	if err != nil {
		return false, errors.Wrap(err, "Failed to commit attestations")
	}
	r.logger.Info("Committed attestations", zap.String("message", message))
	return true, nil
}

// Push publishes an attestation branch to the signer's guix.sigs fork.
func (r *Repos) Push(ctx context.Context, branch string) error {
	if r.conf.Signer.GuixSigsFork == "" {
		return errors.New("No guix.sigs fork configured to push to")
	}

	repo, err := r.guixSigs(ctx)
	if err != nil {
		return err
	}
	ref := plumbing.NewBranchReferenceName(branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: Origin,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec("+" + ref.String() + ":" + ref.String())},
		Auth:       tokenAuth(r.conf.Signer.Name, r.conf.Signer.PushToken),
	})
	if err = ignoreUpToDate(err); err != nil {
		return errors.Wrapf(err, "Failed to push %s", branch)
	}
	r.logger.Info("Pushed attestation branch", zap.String("branch", branch))
	return nil
}
