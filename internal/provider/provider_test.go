package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(map[string]string{
		"pose":     "standing",
		"clothing": "casual wear",
		"lighting": "soft",
	})
	for _, want := range []string{
		"A human figure reference",
		"in standing pose",
		"wearing casual wear",
		"with soft lighting",
		"simple neutral background",
		"--no nsfw",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q: %s", want, p)
		}
	}

	withBg := BuildPrompt(map[string]string{"background": "studio"})
	if !strings.Contains(withBg, "studio background") || strings.Contains(withBg, "simple neutral background") {
		t.Errorf("background clause wrong: %s", withBg)
	}
}

func TestLookupModelFallsBack(t *testing.T) {
	if m := LookupModel("flux_schnell"); m.CostCents != 10 {
		t.Fatalf("flux_schnell = %+v", m)
	}
	if m := LookupModel("no_such_model"); m.Key != DefaultModel {
		t.Fatalf("fallback = %+v", m)
	}
	if c := EstimateCostCents(4, "stable_diffusion"); c != 60 {
		t.Fatalf("cost = %d", c)
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientOptions{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		Timeout:      5 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, zerolog.Nop())
}

func TestGenerateBatchInlineResult(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing auth header")
		}
		n := calls.Add(1)
		fmt.Fprintf(w, `{"images":[{"url":"https://cdn.test/img-%d.png","seed":%d}]}`, n, 100+n)
	}))

	arts, err := c.GenerateBatch(context.Background(), Request{
		Filters:   map[string]string{"pose": "seated"},
		BatchSize: 3,
		ModelKey:  "flux_dev",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(arts) != 3 {
		t.Fatalf("artifacts = %d", len(arts))
	}
	if arts[0].URL != "https://cdn.test/img-1.png" || arts[0].Seed != 101 {
		t.Fatalf("artifact = %+v", arts[0])
	}
	if !strings.Contains(arts[0].Prompt, "in seated pose") {
		t.Fatalf("prompt = %q", arts[0].Prompt)
	}
}

func TestGenerateBatchPollsPendingRequest(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/models/") {
			fmt.Fprint(w, `{"request_id":"req-1"}`)
			return
		}
		if polls.Add(1) < 3 {
			fmt.Fprint(w, `{"status":"in_progress"}`)
			return
		}
		fmt.Fprint(w, `{"status":"completed","result":{"images":[{"url":"https://cdn.test/a.png"}],"seed":7}}`)
	}))

	arts, err := c.GenerateBatch(context.Background(), Request{BatchSize: 1})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(arts) != 1 || arts[0].URL != "https://cdn.test/a.png" || arts[0].Seed != 7 {
		t.Fatalf("artifacts = %+v", arts)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
		reason    string
	}{
		{http.StatusInternalServerError, true, ""},
		{http.StatusTooManyRequests, true, ""},
		{http.StatusForbidden, false, "content_policy_violation"},
		{http.StatusBadRequest, false, "provider_rejected_request"},
	}
	for _, tc := range cases {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := c.GenerateBatch(context.Background(), Request{BatchSize: 1})
		if err == nil {
			t.Fatalf("status %d: no error", tc.status)
		}
		if IsTransient(err) != tc.transient {
			t.Errorf("status %d: IsTransient = %v", tc.status, IsTransient(err))
		}
		if tc.reason != "" && PermanentReason(err) != tc.reason {
			t.Errorf("status %d: reason = %q, want %q", tc.status, PermanentReason(err), tc.reason)
		}
	}
}

func TestPollFailureIsPermanent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/models/") {
			fmt.Fprint(w, `{"request_id":"req-1"}`)
			return
		}
		fmt.Fprint(w, `{"status":"failed","error":"policy violation"}`)
	}))

	_, err := c.GenerateBatch(context.Background(), Request{BatchSize: 1})
	if !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	var pe *PermanentError
	if !errors.As(err, &pe) || pe.Reason != "generation_failed" {
		t.Fatalf("reason = %v", err)
	}
}

func TestFetch(t *testing.T) {
	c := newTestClient(t, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	data, err := c.Fetch(context.Background(), srv.URL+"/img.png")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("data = %q", data)
	}
}

func TestEmptyImagesIsPermanent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	_, err := c.GenerateBatch(context.Background(), Request{BatchSize: 1})
	if !IsPermanent(err) || PermanentReason(err) != "malformed_provider_response" {
		t.Fatalf("err = %v", err)
	}
}

func TestImageSizeMapping(t *testing.T) {
	cases := map[string]string{
		"square":    "square",
		"portrait":  "portrait_4_3",
		"landscape": "landscape_4_3",
		"wide":      "landscape_16_9",
		"tall":      "portrait_16_9",
		"":          "square",
		"bogus":     "square",
	}
	for in, want := range cases {
		if got := ImageSize(in); got != want {
			t.Fatalf("ImageSize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGenerateBatchSendsAspectRatioSize(t *testing.T) {
	var gotSize string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		gotSize, _ = body["image_size"].(string)
		fmt.Fprint(w, `{"images":[{"url":"http://x/1.png"}]}`)
	}))
	_, err := c.GenerateBatch(context.Background(), Request{
		Filters:   map[string]string{"aspect_ratio": "wide"},
		BatchSize: 1,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gotSize != "landscape_16_9" {
		t.Fatalf("image_size = %q", gotSize)
	}
}
