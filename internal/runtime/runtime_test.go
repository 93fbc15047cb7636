package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qwertypants/figureforge/internal/blob"
	cfgpkg "github.com/qwertypants/figureforge/internal/config"
	"github.com/qwertypants/figureforge/internal/provider"
	"github.com/qwertypants/figureforge/internal/store"
)

type stubGen struct{}

func (stubGen) GenerateBatch(ctx context.Context, req provider.Request) ([]provider.Artifact, error) {
	arts := make([]provider.Artifact, req.BatchSize)
	for i := range arts {
		arts[i] = provider.Artifact{
			URL:      fmt.Sprintf("stub://artifact/%d", i),
			Prompt:   provider.BuildPrompt(req.Filters),
			ModelKey: provider.DefaultModel,
		}
	}
	return arts, nil
}

func (stubGen) Fetch(ctx context.Context, url string) ([]byte, error) {
	return []byte("png"), nil
}

func openRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Store.DataDir = t.TempDir()
	cfg.Store.Fsync = "never"
	cfg.Worker.Count = 2
	cfg.Worker.PollInterval = 10 * time.Millisecond

	rt, err := Open(Options{
		Config:    *cfg,
		Logger:    zerolog.Nop(),
		Generator: stubGen{},
		Blobs:     blob.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestOpenCloseHealth(t *testing.T) {
	rt := openRuntime(t)
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestAdmitToSucceededEndToEnd(t *testing.T) {
	ctx := context.Background()
	rt := openRuntime(t)

	if _, err := rt.Quota().Activate(ctx, "user-1", "basic"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go rt.RunWorkers(wctx)

	jobID, err := rt.Admission().Admit(ctx, "user-1", map[string]string{
		"pose":  "standing",
		"style": "sketch",
	}, 2)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := rt.Admission().GetJobStatus(ctx, "user-1", jobID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.Status == store.JobSucceeded {
			if len(st.ImageIDs) != 2 {
				t.Fatalf("image ids = %v", st.ImageIDs)
			}
			break
		}
		if st.Status == store.JobFailed {
			t.Fatalf("job failed: %s", st.FailureReason)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %q", st.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	rec, err := rt.Quota().Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	if rec.Remaining != 98 {
		t.Fatalf("remaining = %d, want 98", rec.Remaining)
	}

	entries, _, err := rt.Gallery().ListOwner(ctx, "user-1", "", 10)
	if err != nil {
		t.Fatalf("gallery: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("gallery entries = %d", len(entries))
	}
}

func TestAdmitUnknownOwnerRejected(t *testing.T) {
	rt := openRuntime(t)
	_, err := rt.Admission().Admit(context.Background(), "ghost", map[string]string{"pose": "standing"}, 1)
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
