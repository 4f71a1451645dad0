package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/holon-run/slam/pkg/batch"
	"github.com/holon-run/slam/pkg/outcome"
)

func init() {
	color.NoColor = true
}

func TestPrint(t *testing.T) {
	tests := []struct {
		name     string
		result   *batch.Result
		wantExit int
		want     []string
		absent   []string
	}{
		{
			name: "all succeeded",
			result: &batch.Result{
				Status:  batch.AllSucceeded,
				Session: "SLAM-2025-03-04",
				Outcomes: []outcome.Outcome{
					outcome.Merged("org/a", 7, "https://github.com/org/a/pull/7"),
					outcome.Skipped("org/b", outcome.ReasonClosed),
					outcome.Merged("org/c", 9, ""),
				},
			},
			wantExit: 0,
			want: []string{
				"org/a  merged  #7  https://github.com/org/a/pull/7",
				"org/b  skipped  closed",
				"3 repositories: 2 merged, 1 skipped",
				"session SLAM-2025-03-04",
			},
			absent: []string{"aborted:"},
		},
		{
			name: "partial failure",
			result: &batch.Result{
				Status: batch.PartialFailure,
				Outcomes: []outcome.Outcome{
					outcome.Created("org/a", 1, ""),
					outcome.Failed("org/bb", outcome.MutationError, "no files matched\nmore detail"),
				},
			},
			wantExit: 1,
			want: []string{
				"org/a   created  #1",
				"org/bb  failed  MutationError: no files matched",
				"2 repositories: 1 created, 1 failed",
			},
			absent: []string{"more detail"},
		},
		{
			name: "aborted",
			result: &batch.Result{
				Status:     batch.Aborted,
				AbortError: "GitHub API error: Bad credentials (status 401)",
				Outcomes: []outcome.Outcome{
					outcome.Failed("org/a", outcome.AuthError, "Bad credentials"),
					outcome.Skipped("org/b", outcome.ReasonAborted),
				},
			},
			wantExit: 2,
			want: []string{
				"org/b  skipped  aborted",
				"aborted: GitHub API error: Bad credentials (status 401)",
			},
		},
		{
			name:     "empty catalog",
			result:   &batch.Result{Status: batch.AllSucceeded},
			wantExit: 0,
			want:     []string{"0 repositories: nothing to do"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			exit := New(&buf).Print(tt.result)
			out := buf.String()

			if exit != tt.wantExit {
				t.Errorf("exit = %d, want %d", exit, tt.wantExit)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(out, a) {
					t.Errorf("output contains %q:\n%s", a, out)
				}
			}
		})
	}
}

func TestPrint_DryRunShowsFiles(t *testing.T) {
	o := outcome.Skipped("org/a", outcome.ReasonDryRun)
	o.Message = "go.mod, README.md"

	var buf bytes.Buffer
	New(&buf).Print(&batch.Result{Status: batch.AllSucceeded, Outcomes: []outcome.Outcome{o}})
	if !strings.Contains(buf.String(), "go.mod, README.md") {
		t.Errorf("dry run output missing files:\n%s", buf.String())
	}
}

func TestWriteJSON(t *testing.T) {
	t.Run("round trips", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out", "report.json")
		res := &batch.Result{
			Operation:  "create",
			Session:    "SLAM-2025-03-04",
			Status:     batch.PartialFailure,
			StartedAt:  time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC),
			FinishedAt: time.Date(2025, 3, 4, 9, 1, 0, 0, time.UTC),
			Outcomes: []outcome.Outcome{
				outcome.Created("org/a", 1, "https://github.com/org/a/pull/1"),
				outcome.Failed("org/b", outcome.DivergedBranch, "branch moved"),
			},
		}

		if err := WriteJSON(path, res); err != nil {
			t.Fatalf("WriteJSON() error: %v", err)
		}
		got := readReport(t, path)
		if got.Session != res.Session || got.Status != res.Status || len(got.Outcomes) != 2 {
			t.Errorf("report = %+v", got)
		}
		if got.Outcomes[1].Kind != outcome.DivergedBranch {
			t.Errorf("outcome kind = %q, want DivergedBranch", got.Outcomes[1].Kind)
		}
	})

	t.Run("sets FinishedAt when zero", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "report.json")
		before := time.Now()
		res := &batch.Result{Status: batch.AllSucceeded}
		if err := WriteJSON(path, res); err != nil {
			t.Fatalf("WriteJSON() error: %v", err)
		}
		got := readReport(t, path)
		if got.FinishedAt.Before(before.Add(-time.Second)) {
			t.Errorf("FinishedAt = %v, want >= %v", got.FinishedAt, before)
		}
	})

	t.Run("fails when the path is a directory", func(t *testing.T) {
		dir := t.TempDir()
		if err := WriteJSON(dir, &batch.Result{}); err == nil {
			t.Error("expected error writing over a directory")
		}
	})
}

func readReport(t *testing.T, path string) *batch.Result {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read report: %v", err)
	}
	var res batch.Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("failed to unmarshal report: %v", err)
	}
	return &res
}
