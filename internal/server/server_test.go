package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"snapcaption/internal/app"
	"snapcaption/internal/quota"
	"snapcaption/pkg/ai"
	"snapcaption/pkg/store"
)

type stubBlobs struct {
	putCalls    int
	deleteCalls int
}

func (f *stubBlobs) Put(context.Context, string, []byte, string) error {
	f.putCalls++
	return nil
}

func (f *stubBlobs) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blobs.example/" + key, nil
}

func (f *stubBlobs) Delete(context.Context, string) error {
	f.deleteCalls++
	return nil
}

type stubGenerator struct {
	calls int
}

func (f *stubGenerator) Generate(context.Context, ai.CaptionPrompt) (ai.CaptionOutput, error) {
	f.calls++
	return ai.CaptionOutput{Raw: `["one","two","three"]`}, nil
}

type testServer struct {
	srv   *httptest.Server
	blobs *stubBlobs
	gen   *stubGenerator
}

func newTestServer(t *testing.T, guestLimit int) *testServer {
	t.Helper()
	redis := miniredis.RunT(t)
	ledger, err := quota.NewLedger(redis.Addr(), "", "test:quota",
		quota.Tier{Name: "member", Limit: 25, Window: 30 * 24 * time.Hour},
		quota.Tier{Name: "guest", Limit: guestLimit, Window: 30 * 24 * time.Hour},
	)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	blobs := &stubBlobs{}
	gen := &stubGenerator{}
	core, err := app.New(app.Config{
		Store:     store.NewMemoryStore(),
		Blobs:     blobs,
		Generator: gen,
		Quota:     ledger,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := httptest.NewServer(New(Config{App: core}).Router())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, blobs: blobs, gen: gen}
}

func captionForm(t *testing.T, mood string) (*bytes.Buffer, string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 88, A: 255})
		}
	}
	var imgBuf bytes.Buffer
	if err := png.Encode(&imgBuf, img); err != nil {
		t.Fatalf("encode image: %v", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if mood != "" {
		if err := writer.WriteField("mood", mood); err != nil {
			t.Fatalf("write mood: %v", err)
		}
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="image"; filename="photo.png"`)
	header.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create image part: %v", err)
	}
	if _, err := part.Write(imgBuf.Bytes()); err != nil {
		t.Fatalf("write image part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestCaptionsEndpointSuccess(t *testing.T) {
	ts := newTestServer(t, 5)
	body, contentType := captionForm(t, "wistful")

	resp, err := http.Post(ts.srv.URL+"/api/captions", contentType, body)
	if err != nil {
		t.Fatalf("post captions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var payload captionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Captions) != 3 {
		t.Fatalf("captions = %d, want 3", len(payload.Captions))
	}
	if payload.Quota.Remaining != 4 {
		t.Fatalf("remaining = %d, want 4", payload.Quota.Remaining)
	}
	if payload.ImageURL == "" {
		t.Fatalf("image url missing")
	}
}

func TestCaptionsEndpointQuotaExceeded(t *testing.T) {
	ts := newTestServer(t, 1)

	body, contentType := captionForm(t, "happy")
	resp, err := http.Post(ts.srv.URL+"/api/captions", contentType, body)
	if err != nil {
		t.Fatalf("first post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want 200", resp.StatusCode)
	}

	body, contentType = captionForm(t, "happy")
	resp, err = http.Post(ts.srv.URL+"/api/captions", contentType, body)
	if err != nil {
		t.Fatalf("second post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", resp.StatusCode)
	}

	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode 429: %v", err)
	}
	if payload.Reason != "quota_exceeded" {
		t.Fatalf("reason = %q", payload.Reason)
	}
	if payload.Quota == nil || payload.Quota.Limit != 1 || payload.Quota.Remaining != 0 || payload.Quota.ResetsAt.IsZero() {
		t.Fatalf("quota payload incomplete: %+v", payload.Quota)
	}

	// Quota rejection must not have cost anything downstream.
	if ts.blobs.putCalls != 1 || ts.gen.calls != 1 {
		t.Fatalf("rejected request paid for I/O: puts=%d generates=%d", ts.blobs.putCalls, ts.gen.calls)
	}
}

func TestCaptionsEndpointValidation(t *testing.T) {
	ts := newTestServer(t, 5)

	body, contentType := captionForm(t, "")
	resp, err := http.Post(ts.srv.URL+"/api/captions", contentType, body)
	if err != nil {
		t.Fatalf("post without mood: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing mood status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(ts.srv.URL + "/api/captions")
	if err != nil {
		t.Fatalf("get captions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", resp.StatusCode)
	}
}

func TestCaptionsEndpointRejectsNonImage(t *testing.T) {
	ts := newTestServer(t, 5)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	_ = writer.WriteField("mood", "happy")
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="image"; filename="doc.pdf"`)
	header.Set("Content-Type", "application/pdf")
	part, _ := writer.CreatePart(header)
	_, _ = part.Write([]byte("%PDF-1.4"))
	_ = writer.Close()

	resp, err := http.Post(ts.srv.URL+"/api/captions", writer.FormDataContentType(), body)
	if err != nil {
		t.Fatalf("post pdf: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var payload errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Reason != "invalid_media" {
		t.Fatalf("reason = %q, want invalid_media", payload.Reason)
	}
}

func TestQuotaEndpointPeeksWithoutConsuming(t *testing.T) {
	ts := newTestServer(t, 5)

	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.srv.URL + "/api/quota")
		if err != nil {
			t.Fatalf("get quota: %v", err)
		}
		var payload quotaPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("decode quota: %v", err)
		}
		resp.Body.Close()
		if payload.Remaining != 5 || payload.Limit != 5 || payload.Tier != "guest" {
			t.Fatalf("quota payload = %+v", payload)
		}
	}
}

func TestPostsEndpointsRequireAuth(t *testing.T) {
	ts := newTestServer(t, 5)

	resp, err := http.Get(ts.srv.URL + "/api/posts")
	if err != nil {
		t.Fatalf("get posts: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("list status = %d, want 401", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/posts/p-1", nil)
	if err != nil {
		t.Fatalf("new delete request: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("delete status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, 5)
	resp, err := http.Get(ts.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
