package batch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/holon-run/slam/pkg/approval"
	"github.com/holon-run/slam/pkg/discovery"
	"github.com/holon-run/slam/pkg/hosting"
	"github.com/holon-run/slam/pkg/hosting/hostingtest"
	"github.com/holon-run/slam/pkg/mutation"
	"github.com/holon-run/slam/pkg/outcome"
	"github.com/holon-run/slam/pkg/publisher"
	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const sid = session.ID("SLAM-2025-03-04")

func newCatalog(fake *hostingtest.Fake, slugs ...string) []target.RepoTarget {
	out := make([]target.RepoTarget, 0, len(slugs))
	for _, s := range slugs {
		fake.AddRepo(s, "main")
		out = append(out, target.RepoTarget{Slug: s, DefaultBranch: "main"})
	}
	return out
}

// commitApplier makes one commit per repository on the fake host and hands
// back the same change set on later runs, the way a resumed session does.
func commitApplier(fake *hostingtest.Fake, noChange, failing map[string]bool) mutation.Applier {
	var mu sync.Mutex
	commits := make(map[string]string)
	return mutation.ApplierFunc(func(ctx context.Context, repo target.RepoTarget, sid session.ID) (*mutation.ChangeSet, error) {
		if failing[repo.Slug] {
			return nil, outcome.Errorf(outcome.MutationError, "%s: cannot edit files", repo.Slug)
		}
		if noChange[repo.Slug] {
			return nil, nil
		}
		mu.Lock()
		defer mu.Unlock()
		sha, ok := commits[repo.Slug]
		if !ok {
			base, _ := fake.Branch(repo.Slug, "main")
			sha = fake.AddCommit(repo.Slug, base, "")
			commits[repo.Slug] = sha
		}
		return &mutation.ChangeSet{
			Repo:       repo.Slug,
			Branch:     string(sid),
			BaseBranch: "main",
			CommitRef:  sha,
			Summary:    "bump version",
		}, nil
	})
}

func statuses(res *Result) []string {
	out := make([]string, len(res.Outcomes))
	for i, o := range res.Outcomes {
		switch o.Status {
		case outcome.StatusSkipped:
			out[i] = fmt.Sprintf("skipped(%s)", o.Reason)
		case outcome.StatusFailed:
			out[i] = fmt.Sprintf("failed(%s)", o.Kind)
		default:
			out[i] = string(o.Status)
		}
	}
	return out
}

func assertStatuses(t *testing.T, res *Result, want ...string) {
	t.Helper()
	got := statuses(res)
	if len(got) != len(want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outcomes = %v, want %v", got, want)
		}
	}
}

func TestRun_OneOutcomePerTargetInCatalogOrder(t *testing.T) {
	var targets []target.RepoTarget
	for i := 0; i < 12; i++ {
		targets = append(targets, target.RepoTarget{Slug: fmt.Sprintf("org/r%02d", i)})
	}

	var inFlight, peak int32
	op := func(ctx context.Context, repo target.RepoTarget) (outcome.Outcome, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		// Earlier repositories finish last.
		var idx int
		fmt.Sscanf(repo.Slug, "org/r%d", &idx)
		time.Sleep(time.Duration(12-idx) * time.Millisecond)
		return outcome.Created(repo.Slug, idx+1, ""), nil
	}

	res := Run(context.Background(), targets, op, Options{Limit: 3})
	if len(res.Outcomes) != len(targets) {
		t.Fatalf("got %d outcomes, want %d", len(res.Outcomes), len(targets))
	}
	for i, o := range res.Outcomes {
		if o.Repo != targets[i].Slug {
			t.Errorf("outcome %d is for %s, want %s", i, o.Repo, targets[i].Slug)
		}
	}
	if peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
	if res.Status != AllSucceeded || res.ExitCode() != 0 {
		t.Errorf("status = %s exit %d, want all_succeeded exit 0", res.Status, res.ExitCode())
	}
}

func TestRun_FaultIsolation(t *testing.T) {
	fake := hostingtest.NewFake("operator")
	targets := newCatalog(fake, "org/r1", "org/r2", "org/r3", "org/r4", "org/r5")
	applier := commitApplier(fake, nil, map[string]bool{"org/r3": true})

	res := Run(context.Background(), targets, CreateOp(applier, publisher.New(fake), sid), Options{Limit: 2})

	assertStatuses(t, res, "created", "created", "failed(MutationError)", "created", "created")
	if res.Status != PartialFailure || res.ExitCode() != 1 {
		t.Errorf("status = %s exit %d, want partial_failure exit 1", res.Status, res.ExitCode())
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v, want nil", res.Err())
	}
}

func TestRun_AuthErrorAborts(t *testing.T) {
	fake := hostingtest.NewFake("operator")
	targets := newCatalog(fake, "org/r1", "org/r2", "org/r3", "org/r4", "org/r5")
	fake.FailWith(hostingtest.OpGetBranch, "org/r2", hostingtest.StatusError(http.StatusUnauthorized, "Bad credentials"))

	res := Run(context.Background(), targets, CreateOp(commitApplier(fake, nil, nil), publisher.New(fake), sid), Options{Limit: 1})

	assertStatuses(t, res, "created", "failed(AuthError)",
		"skipped(aborted)", "skipped(aborted)", "skipped(aborted)")
	if res.Status != Aborted || res.ExitCode() != 2 {
		t.Errorf("status = %s exit %d, want aborted exit 2", res.Status, res.ExitCode())
	}
	if outcome.KindOf(res.Err()) != outcome.AuthError {
		t.Errorf("Err() = %v, want AuthError", res.Err())
	}
	if res.AbortError == "" {
		t.Error("AbortError not recorded")
	}
	for _, slug := range []string{"org/r3", "org/r4", "org/r5"} {
		if n := fake.CallCount(hostingtest.OpGetBranch, slug); n != 0 {
			t.Errorf("%s was dispatched after the abort", slug)
		}
	}
}

func TestRun_InFlightUnitsStopOnAbort(t *testing.T) {
	targets := []target.RepoTarget{{Slug: "org/a"}, {Slug: "org/b"}}
	started := make(chan struct{})
	op := func(ctx context.Context, repo target.RepoTarget) (outcome.Outcome, error) {
		if repo.Slug == "org/a" {
			<-started
			return outcome.Outcome{}, outcome.Errorf(outcome.RateLimitExceeded, "budget exhausted")
		}
		close(started)
		<-ctx.Done()
		return outcome.Outcome{}, fmt.Errorf("waiting for host: %w", ctx.Err())
	}

	res := Run(context.Background(), targets, op, Options{Limit: 2})
	assertStatuses(t, res, "failed(RateLimitExceeded)", "skipped(aborted)")
	if res.Status != Aborted {
		t.Errorf("status = %s, want aborted", res.Status)
	}
}

func TestRun_PanicBecomesInternalError(t *testing.T) {
	targets := []target.RepoTarget{{Slug: "org/a"}, {Slug: "org/b"}, {Slug: "org/c"}}
	op := func(ctx context.Context, repo target.RepoTarget) (outcome.Outcome, error) {
		if repo.Slug == "org/b" {
			var m map[string]int
			m["boom"]++
		}
		return outcome.Created(repo.Slug, 1, ""), nil
	}

	res := Run(context.Background(), targets, op, Options{})
	assertStatuses(t, res, "created", "failed(InternalError)", "created")
	if res.Status != PartialFailure {
		t.Errorf("status = %s, want partial_failure", res.Status)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	op := func(ctx context.Context, repo target.RepoTarget) (outcome.Outcome, error) {
		called = true
		return outcome.Created(repo.Slug, 1, ""), nil
	}
	res := Run(ctx, []target.RepoTarget{{Slug: "org/a"}, {Slug: "org/b"}}, op, Options{})

	if called {
		t.Error("op ran on a cancelled context")
	}
	assertStatuses(t, res, "skipped(aborted)", "skipped(aborted)")
	if res.Status != Aborted {
		t.Errorf("status = %s, want aborted", res.Status)
	}
}

func TestRun_EmptyOutcomeIsInternalError(t *testing.T) {
	op := func(ctx context.Context, repo target.RepoTarget) (outcome.Outcome, error) {
		return outcome.Outcome{}, nil
	}
	res := Run(context.Background(), []target.RepoTarget{{Slug: "org/a"}}, op, Options{})
	assertStatuses(t, res, "failed(InternalError)")
}

func TestCreate_RerunDoesNotDuplicate(t *testing.T) {
	fake := hostingtest.NewFake("operator")
	targets := newCatalog(fake, "org/a", "org/b")
	op := CreateOp(commitApplier(fake, nil, nil), publisher.New(fake), sid)

	first := Run(context.Background(), targets, op, Options{})
	assertStatuses(t, first, "created", "created")

	second := Run(context.Background(), targets, op, Options{})
	assertStatuses(t, second, "skipped(pr exists)", "skipped(pr exists)")

	for i, slug := range []string{"org/a", "org/b"} {
		if n := len(fake.PullRequests(slug)); n != 1 {
			t.Errorf("%s has %d pull requests, want 1", slug, n)
		}
		if n := fake.CallCount(hostingtest.OpCreateBranch, slug); n != 1 {
			t.Errorf("%s: CreateBranch calls = %d, want 1", slug, n)
		}
		if second.Outcomes[i].PRNumber != first.Outcomes[i].PRNumber {
			t.Errorf("%s: rerun outcome lost the pull request number", slug)
		}
	}
}

func TestCreateThenApprove(t *testing.T) {
	fake := hostingtest.NewFake("operator")
	targets := newCatalog(fake, "org/a", "org/b", "org/c")
	applier := commitApplier(fake, map[string]bool{"org/b": true}, nil)

	created := Run(context.Background(), targets, CreateOp(applier, publisher.New(fake), sid), Options{Operation: "create", Session: sid})
	assertStatuses(t, created, "created", "skipped(no change)", "created")
	if created.Status != AllSucceeded {
		t.Errorf("create status = %s, want all_succeeded", created.Status)
	}

	approve := func() *Result {
		strategy := discovery.NewRemote(fake, "org", 0)
		exec := approval.NewExecutor(fake, hosting.MergeSquash)
		return Run(context.Background(), targets, ApproveOp(strategy, exec, sid), Options{Operation: "approve", Session: sid})
	}

	merged := approve()
	assertStatuses(t, merged, "merged", "skipped(closed)", "merged")
	if merged.Status != AllSucceeded || merged.ExitCode() != 0 {
		t.Errorf("approve status = %s exit %d, want all_succeeded exit 0", merged.Status, merged.ExitCode())
	}
	if n := fake.CallCount(hostingtest.OpSearchPRs, ""); n != 1 {
		t.Errorf("owner search ran %d times, want 1", n)
	}

	again := approve()
	assertStatuses(t, again, "approved", "skipped(closed)", "approved")
	if n := fake.CallCount(hostingtest.OpMerge, ""); n != 2 {
		t.Errorf("Merge calls = %d, want 2", n)
	}
	if n := fake.CallCount(hostingtest.OpApprove, ""); n != 2 {
		t.Errorf("Approve calls = %d, want 2", n)
	}
}

func TestApprove_IgnoresOtherHeads(t *testing.T) {
	fake := hostingtest.NewFake("operator")
	targets := newCatalog(fake, "org/a")
	fake.AddPullRequest("org/a", hosting.PullRequest{HeadBranch: "SLAM-2025-03-03", BaseBranch: "main", Author: "slam-bot"})
	fake.AddPullRequest("org/a", hosting.PullRequest{HeadBranch: "SLAM-2025-03-04-extra", BaseBranch: "main", Author: "slam-bot"})
	fake.AddPullRequest("org/a", hosting.PullRequest{HeadBranch: "feature", BaseBranch: "main", Author: "slam-bot"})

	strategy := discovery.NewRemote(fake, "org", 0)
	res := Run(context.Background(), targets, ApproveOp(strategy, approval.NewExecutor(fake, ""), sid), Options{})

	assertStatuses(t, res, "skipped(closed)")
	if n := fake.CallCount(hostingtest.OpApprove, ""); n != 0 {
		t.Errorf("Approve calls = %d, want 0", n)
	}
	if n := fake.CallCount(hostingtest.OpMerge, ""); n != 0 {
		t.Errorf("Merge calls = %d, want 0", n)
	}
}

func TestApprove_DiscoveryFailureIsPerRepo(t *testing.T) {
	fake := hostingtest.NewFake("operator")
	targets := newCatalog(fake, "org/a", "other/b")
	fake.FailWith(hostingtest.OpListPullRequests, "other/b", hostingtest.StatusError(http.StatusBadGateway, "bad gateway"))

	strategy := discovery.NewRemote(fake, "org", 0)
	res := Run(context.Background(), targets, ApproveOp(strategy, approval.NewExecutor(fake, ""), sid), Options{})

	assertStatuses(t, res, "skipped(closed)", "failed(DiscoveryError)")
	if res.Status != PartialFailure {
		t.Errorf("status = %s, want partial_failure", res.Status)
	}
}

type stubPreviewer map[string][]string

func (s stubPreviewer) Preview(repo target.RepoTarget) ([]string, string, error) {
	files, ok := s[repo.Slug]
	if !ok {
		return nil, "", outcome.Errorf(outcome.MissingLocalCheckout, "%s has no local checkout", repo.Slug)
	}
	return files, "", nil
}

func TestPreviewOp(t *testing.T) {
	p := stubPreviewer{"org/a": {"go.mod", "README.md"}, "org/b": nil}
	targets := []target.RepoTarget{
		{Slug: "org/a", LocalPath: "/src/org/a"},
		{Slug: "org/b", LocalPath: "/src/org/b"},
		{Slug: "org/c", LocalPath: "/src/org/c"},
		{Slug: "org/d"},
	}

	res := Run(context.Background(), targets, PreviewOp(p), Options{})
	assertStatuses(t, res, "skipped(dry run)", "skipped(no change)", "failed(MissingLocalCheckout)", "skipped(dry run)")
	if got := res.Outcomes[0].Message; got != "go.mod, README.md" {
		t.Errorf("preview message = %q", got)
	}
	if got := res.Outcomes[3].Message; got != "" {
		t.Errorf("remote-only preview message = %q, want empty", got)
	}

	res = Run(context.Background(), targets[:1], PreviewOp(nil), Options{})
	assertStatuses(t, res, "skipped(dry run)")
}

func TestCounts(t *testing.T) {
	res := &Result{Outcomes: []outcome.Outcome{
		outcome.Created("org/a", 1, ""),
		outcome.Created("org/b", 2, ""),
		outcome.Skipped("org/c", outcome.ReasonNoChange),
		outcome.Failed("org/d", outcome.MutationError, "boom"),
	}}
	counts := res.Counts()
	if counts[outcome.StatusCreated] != 2 || counts[outcome.StatusSkipped] != 1 || counts[outcome.StatusFailed] != 1 {
		t.Errorf("Counts() = %v", counts)
	}
}
