package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holon-run/slam/pkg/hosting"
	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/outcome"
	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

// DefaultMaxSearchPages caps the owner-wide search at 10 pages of 100.
const DefaultMaxSearchPages = 10

// Remote asks the host directly. With Owner set, the first FindMatch for a
// session runs one owner-wide search and later calls for that owner's
// repositories are answered from it.
type Remote struct {
	Client hosting.Client
	// Owner enables the owner-wide index. Leave empty for explicit catalogs.
	Owner string
	// MaxSearchPages caps the index search; 0 means DefaultMaxSearchPages.
	MaxSearchPages int

	mu      sync.Mutex
	indexes map[session.ID]*ownerIndex
}

type ownerIndex struct {
	once     sync.Once
	err      error
	complete bool
	byRepo   map[string][]hosting.PullRequest
	// unsure holds repositories whose hits could not be confirmed.
	unsure map[string]bool
}

// NewRemote returns a Remote strategy; owner may be empty.
func NewRemote(client hosting.Client, owner string, maxSearchPages int) *Remote {
	return &Remote{Client: client, Owner: owner, MaxSearchPages: maxSearchPages}
}

func (r *Remote) FindMatch(ctx context.Context, repo target.RepoTarget, sid session.ID) (Ref, error) {
	if r.Owner == "" || repo.Owner() != r.Owner {
		return findInRepo(ctx, r.Client, repo.Slug, sid)
	}

	idx := r.index(sid)
	idx.once.Do(func() { idx.build(ctx, r.Client, r.Owner, sid, r.maxPages()) })

	if idx.err != nil {
		if outcome.IsFatal(idx.err) {
			return Ref{}, idx.err
		}
		log.Debug("owner index unavailable, querying repository", "repo", repo.Slug, "error", idx.err)
		return findInRepo(ctx, r.Client, repo.Slug, sid)
	}

	prs, ok := idx.byRepo[repo.Slug]
	switch {
	case idx.unsure[repo.Slug]:
		return findInRepo(ctx, r.Client, repo.Slug, sid)
	case ok:
		return choose(repo.Slug, prs, sid)
	case idx.complete:
		return Ref{}, ErrNoMatch
	default:
		return findInRepo(ctx, r.Client, repo.Slug, sid)
	}
}

func (r *Remote) maxPages() int {
	if r.MaxSearchPages > 0 {
		return r.MaxSearchPages
	}
	return DefaultMaxSearchPages
}

func (r *Remote) index(sid session.ID) *ownerIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexes == nil {
		r.indexes = make(map[session.ID]*ownerIndex)
	}
	idx, ok := r.indexes[sid]
	if !ok {
		idx = &ownerIndex{}
		r.indexes[sid] = idx
	}
	return idx
}

func (idx *ownerIndex) build(ctx context.Context, client hosting.Client, owner string, sid session.ID, maxPages int) {
	res, err := client.SearchPullRequests(ctx, owner, string(sid), maxPages)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			idx.err = err
			return
		}
		idx.err = outcome.Wrap(outcome.DiscoveryError, fmt.Errorf("failed to search pull requests of %s: %w", owner, err))
		return
	}

	// Hits are confirmed one call at a time.
	idx.byRepo = make(map[string][]hosting.PullRequest)
	idx.unsure = make(map[string]bool)
	for _, hit := range res.Hits {
		pr, err := client.GetPullRequest(ctx, hit.Repo, hit.Number)
		if err != nil {
			if errors.Is(err, context.Canceled) || outcome.IsFatal(err) {
				idx.err = err
				return
			}
			log.Debug("search hit not confirmed", "repo", hit.Repo, "number", hit.Number, "error", err)
			idx.unsure[hit.Repo] = true
			continue
		}
		if !sid.Matches(pr.HeadBranch) {
			continue
		}
		pr.Repo = hit.Repo
		idx.byRepo[hit.Repo] = append(idx.byRepo[hit.Repo], *pr)
	}
	idx.complete = !res.Incomplete
	if res.Incomplete {
		log.Warn("owner search incomplete, missing repositories will be queried one by one",
			"owner", owner, "session", sid, "total", res.Total, "read", len(res.Hits))
	}
	log.Debug("built owner index", "owner", owner, "session", sid, "repos", len(idx.byRepo))
}

var _ Strategy = (*Remote)(nil)
