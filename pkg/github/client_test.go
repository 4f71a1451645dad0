package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/holon-run/slam/pkg/hosting"
)

// newTestClient starts an httptest server for mux and returns a client pointing at it.
func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return NewClient("test-token", WithBaseURL(server.URL), WithTimeout(5*time.Second))
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func TestGetBranch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/org/a/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		writeJSON(w, http.StatusOK, `{"ref":"refs/heads/main","object":{"sha":"abc123","type":"commit"}}`)
	})
	mux.HandleFunc("/repos/org/a/git/ref/heads/SLAM-2025-03-04", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"message":"Not Found"}`)
	})

	client := newTestClient(t, mux)
	ctx := context.Background()

	branch, err := client.GetBranch(ctx, "org/a", "main")
	if err != nil {
		t.Fatalf("GetBranch(main) error = %v", err)
	}
	if branch.SHA != "abc123" {
		t.Errorf("SHA = %q, want abc123", branch.SHA)
	}

	_, err = client.GetBranch(ctx, "org/a", "SLAM-2025-03-04")
	if !hosting.IsNotFound(err) {
		t.Errorf("GetBranch(missing) error = %v, want not found", err)
	}
}

func TestListPullRequestsMatchesHeadExactly(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/org/a/pulls", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("head"); got != "org:SLAM-2025-03-04" {
			t.Errorf("head query = %q", got)
		}
		if got := r.URL.Query().Get("state"); got != "all" {
			t.Errorf("state query = %q, want all", got)
		}
		writeJSON(w, http.StatusOK, `[
			{"number":1,"state":"open","head":{"ref":"SLAM-2025-03-04","sha":"h1"},"base":{"ref":"main"},"user":{"login":"bot"}},
			{"number":2,"state":"open","head":{"ref":"SLAM-2025-03-04-extra","sha":"h2"},"base":{"ref":"main"}}
		]`)
	})

	client := newTestClient(t, mux)
	prs, err := client.ListPullRequests(context.Background(), "org/a", hosting.ListOptions{
		Head:  "SLAM-2025-03-04",
		State: hosting.StateAll,
	})
	if err != nil {
		t.Fatalf("ListPullRequests() error = %v", err)
	}
	if len(prs) != 1 {
		t.Fatalf("got %d PRs, want 1", len(prs))
	}
	pr := prs[0]
	if pr.Number != 1 || pr.Repo != "org/a" || pr.HeadSHA != "h1" || pr.BaseBranch != "main" || pr.Author != "bot" {
		t.Errorf("unexpected PR %+v", pr)
	}
}

func TestGetPullRequestMergeability(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/org/a/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"number":7,"state":"open","mergeable":false,"mergeable_state":"dirty",
			"head":{"ref":"SLAM-2025-03-04","sha":"h"},"base":{"ref":"main"}}`)
	})

	client := newTestClient(t, mux)
	pr, err := client.GetPullRequest(context.Background(), "org/a", 7)
	if err != nil {
		t.Fatalf("GetPullRequest() error = %v", err)
	}
	if !pr.HasConflicts() {
		t.Errorf("HasConflicts() = false for %+v", pr)
	}
}

func TestMergeNotMergeableIsConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/org/a/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		writeJSON(w, http.StatusMethodNotAllowed, `{"message":"Pull Request is not mergeable"}`)
	})

	client := newTestClient(t, mux)
	_, err := client.Merge(context.Background(), "org/a", 7, hosting.MergeSquash)
	if !hosting.IsConflict(err) {
		t.Fatalf("Merge() error = %v, want conflict", err)
	}
}

func TestMergeSucceeds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/org/a/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"sha":"m1","merged":true,"message":"Pull Request successfully merged"}`)
	})

	client := newTestClient(t, mux)
	res, err := client.Merge(context.Background(), "org/a", 7, hosting.MergeSquash)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if res.SHA != "m1" {
		t.Errorf("SHA = %q, want m1", res.SHA)
	}
}

func TestUpdateBranchNonFastForwardIsConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/org/a/git/refs/heads/SLAM-2025-03-04", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, `{"message":"Update is not a fast forward"}`)
	})

	client := newTestClient(t, mux)
	err := client.UpdateBranch(context.Background(), "org/a", "SLAM-2025-03-04", "abc", false)
	if !hosting.IsConflict(err) {
		t.Fatalf("UpdateBranch() error = %v, want conflict", err)
	}
}

func TestIsAncestor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/org/a/compare/", func(w http.ResponseWriter, r *http.Request) {
		status := "ahead"
		if r.URL.Path == "/repos/org/a/compare/x...y" {
			status = "diverged"
		}
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"status":%q}`, status))
	})

	client := newTestClient(t, mux)
	ctx := context.Background()

	ok, err := client.IsAncestor(ctx, "org/a", "base", "head")
	if err != nil || !ok {
		t.Errorf("IsAncestor(base, head) = %v, %v; want true", ok, err)
	}
	ok, err = client.IsAncestor(ctx, "org/a", "x", "y")
	if err != nil || ok {
		t.Errorf("IsAncestor(x, y) = %v, %v; want false", ok, err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		headers   map[string]string
		body      string
		check     func(error) bool
		wantRetry bool
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"message":"Bad credentials"}`,
			check:  hosting.IsUnauthorized,
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			body:   `{"message":"Resource not accessible by integration"}`,
			check:  hosting.IsForbidden,
		},
		{
			name:   "primary rate limit",
			status: http.StatusForbidden,
			headers: map[string]string{
				"X-RateLimit-Limit":     "5000",
				"X-RateLimit-Remaining": "0",
				"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10),
			},
			body:      `{"message":"API rate limit exceeded"}`,
			check:     hosting.IsRateLimited,
			wantRetry: true,
		},
		{
			name:      "secondary rate limit",
			status:    http.StatusForbidden,
			headers:   map[string]string{"Retry-After": "30"},
			body:      `{"message":"You have exceeded a secondary rate limit","documentation_url":"https://docs.github.com/rest/overview/rate-limits-for-the-rest-api#about-secondary-rate-limits"}`,
			check:     hosting.IsRateLimited,
			wantRetry: true,
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   `{"message":"Server Error"}`,
			check:  hosting.IsTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				writeJSON(w, tt.status, tt.body)
			})

			client := newTestClient(t, mux)
			_, err := client.CurrentUser(context.Background())
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.check(err) {
				t.Errorf("error %v classified as %v", err, hosting.KindOf(err))
			}
			if tt.wantRetry && hosting.RetryAfter(err) <= 0 {
				t.Errorf("RetryAfter(%v) = 0, want a hint", err)
			}
		})
	}
}

func TestCancellationIsNotClassified(t *testing.T) {
	err := classifyError("op", context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("classifyError(context.Canceled) = %v", err)
	}
	if hosting.IsTransient(err) {
		t.Error("cancellation must not be retried")
	}
}

func TestSearchPullRequestsPageCap(t *testing.T) {
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/search/issues", func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.URL.Query().Get("q"), "is:pr user:org head:SLAM-2025-03-04"; got != want {
			t.Errorf("q = %q, want %q", got, want)
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/search/issues?page=2>; rel="next"`, server.URL))
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"total_count":250,"incomplete_results":false,"items":[
			{"number":1,"repository_url":"%[1]s/repos/org/a","pull_request":{"url":"x"}},
			{"number":2,"repository_url":"%[1]s/repos/org/b","pull_request":{"url":"x"}}
		]}`, server.URL))
	})
	mux.HandleFunc("/repos/", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s; hits are confirmed by the caller", r.URL.Path)
		writeJSON(w, http.StatusNotFound, `{"message":"Not Found"}`)
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewClient("test-token", WithBaseURL(server.URL))
	res, err := client.SearchPullRequests(context.Background(), "org", "SLAM-2025-03-04", 1)
	if err != nil {
		t.Fatalf("SearchPullRequests() error = %v", err)
	}
	if !res.Incomplete {
		t.Error("Incomplete = false, want true after hitting the page cap")
	}
	if res.Total != 250 {
		t.Errorf("Total = %d, want 250", res.Total)
	}
	want := []hosting.SearchHit{{Repo: "org/a", Number: 1}, {Repo: "org/b", Number: 2}}
	if !reflect.DeepEqual(res.Hits, want) {
		t.Errorf("Hits = %+v, want %+v", res.Hits, want)
	}
}

func TestListOwnerReposFallsBackToUser(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orgs/someone/repos", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"message":"Not Found"}`)
	})
	mux.HandleFunc("/users/someone/repos", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[
			{"full_name":"someone/zeta","default_branch":"trunk"},
			{"full_name":"someone/alpha","archived":true}
		]`)
	})

	client := newTestClient(t, mux)
	repos, err := client.ListOwnerRepos(context.Background(), "someone")
	if err != nil {
		t.Fatalf("ListOwnerRepos() error = %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("got %d repos, want 2", len(repos))
	}
	if repos[0].Slug != "someone/alpha" || !repos[0].Archived || repos[0].DefaultBranch != "main" {
		t.Errorf("repos[0] = %+v", repos[0])
	}
	if repos[1].Slug != "someone/zeta" || repos[1].DefaultBranch != "trunk" {
		t.Errorf("repos[1] = %+v", repos[1])
	}
}

func TestGetTokenFromEnv(t *testing.T) {
	t.Run("SLAM_GITHUB_TOKEN has highest priority", func(t *testing.T) {
		t.Setenv(SlamTokenEnv, "slam-token")
		t.Setenv(TokenEnv, "env-token")

		token, source := GetTokenFromEnv()
		if token != "slam-token" || source != SlamTokenEnv {
			t.Errorf("GetTokenFromEnv() = %q, %q", token, source)
		}
	})

	t.Run("GITHUB_TOKEN used when SLAM_GITHUB_TOKEN is unset", func(t *testing.T) {
		t.Setenv(SlamTokenEnv, "")
		t.Setenv(TokenEnv, "env-token")

		token, source := GetTokenFromEnv()
		if token != "env-token" || source != TokenEnv {
			t.Errorf("GetTokenFromEnv() = %q, %q", token, source)
		}
	})

	t.Run("no token", func(t *testing.T) {
		t.Setenv(SlamTokenEnv, "")
		t.Setenv(TokenEnv, "")

		if _, err := NewClientFromEnv(); err == nil {
			t.Error("NewClientFromEnv() expected error without a token")
		}
	})
}

// setupRecordedClient creates a client replaying a recorded cassette.
func setupRecordedClient(t *testing.T, fixtureName string) (*Client, *Recorder) {
	t.Helper()

	fixturesDir := filepath.Join("testdata", "fixtures")
	if _, err := os.Stat(fixturesDir); os.IsNotExist(err) {
		t.Skipf("fixtures directory not found. To record fixtures, run: %s=record GITHUB_TOKEN=your_token go test ./pkg/github/...", VCRModeEnv)
	}

	rec, err := NewRecorder(t, fixtureName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.Skipf("fixture %q not found. To record it, run: %s=record GITHUB_TOKEN=your_token go test -v ./pkg/github/ -run %s", fixtureName, VCRModeEnv, t.Name())
		}
		t.Fatalf("failed to create recorder: %v", err)
	}

	token := "test-token"
	if rec.IsRecording() {
		token = os.Getenv(TokenEnv)
		if token == "" {
			t.Fatal("GITHUB_TOKEN environment variable must be set when recording fixtures")
		}
	}

	return NewClient(token, WithHTTPClient(rec.HTTPClient()), WithTimeout(10*time.Second)), rec
}

func TestCurrentUserRecorded(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client, rec := setupRecordedClient(t, "current_user")
	defer rec.Stop()

	login, err := client.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("CurrentUser() error = %v", err)
	}
	if login != "slam-operator" {
		t.Errorf("login = %q, want slam-operator", login)
	}
}
