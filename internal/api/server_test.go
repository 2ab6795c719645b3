package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kiln/internal/codec"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/module"
	"github.com/samcharles93/kiln/internal/tokenizer"
	"github.com/samcharles93/kiln/internal/toy"
)

func newTestEcho(t *testing.T, snapshotDir string) (*echo.Echo, *module.Module) {
	t.Helper()
	cfg := module.DefaultConfig()
	cfg.Generator.Contexts = []string{"hi"}
	cfg.Generator.MaxLength = 4
	cfg.Generator.BatchSize = 2
	m, err := module.New(context.Background(), cfg, module.Deps{
		Model:     toy.NewLM(tokenizer.VocabSize, 4, 1),
		Value:     toy.NewValue(tokenizer.VocabSize, 4, 2),
		Tokenizer: tokenizer.Byte{},
		Codec:     codec.Text{},
		Logger:    logger.Nop(),
	})
	if err != nil {
		t.Fatalf("module.New: %v", err)
	}
	e := echo.New()
	NewServer(m, ServerConfig{SnapshotDir: snapshotDir}).Register(e)
	return e, m
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func generatePosts(t *testing.T, e *echo.Echo, n int) []module.Generated {
	t.Helper()
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"n":`+itoa(n)+`}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var out []module.Generated
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		var g module.Generated
		if err := json.Unmarshal(sc.Bytes(), &g); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		out = append(out, g)
	}
	return out
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestGenerateStreamsPosts(t *testing.T) {
	t.Parallel()
	e, m := newTestEcho(t, "")
	posts := generatePosts(t, e, 3)
	if len(posts) != 3 {
		t.Fatalf("posts: got %d want 3", len(posts))
	}
	for _, p := range posts {
		if p.ID == "" || !strings.HasPrefix(p.Post.Text, "hi") {
			t.Fatalf("unexpected post %+v", p)
		}
	}
	if got := m.Pending(); got != 3 {
		t.Fatalf("pending: got %d want 3", got)
	}
	if got := generatePosts(t, e, 0); len(got) != 0 {
		t.Fatalf("n=0 produced %d posts", len(got))
	}
}

func TestGenerateValidation(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, "")
	for _, body := range []string{`{"n":-1}`, `{"n":"x"}`, `{"count":2}`} {
		rec := doJSON(t, e, http.MethodPost, "/v1/generate", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", body, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "invalid_request_error") {
			t.Fatalf("%s: unexpected error body: %s", body, rec.Body.String())
		}
	}
}

func TestFitScoresLifecycle(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, "")
	posts := generatePosts(t, e, 2)
	body := `{"scores":[{"id":"` + posts[0].ID + `","score":1},{"id":"` + posts[1].ID + `","score":0}]}`

	rec := doJSON(t, e, http.MethodPost, "/v1/fit/scores", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("fit scores status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var st StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Pending != 0 {
		t.Fatalf("pending: got %d want 0", st.Pending)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/fit/scores", body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on reuse, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "not_found_error") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/fit/scores", `{"scores":[]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("empty scores: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestFitPostsAndStep(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, "")
	rec := doJSON(t, e, http.MethodPost, "/v1/fit/posts", `{"posts":[{"text":"hello"},{"text":"world"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("fit posts status: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, e, http.MethodPost, "/v1/fit/posts", `{"posts":[{"text":""}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty post, got %d", rec.Code)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/step", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("step status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var st StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Epoch != 1 {
		t.Fatalf("epoch: got %d want 1", st.Epoch)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/metrics", "")
	var metrics MetricsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &metrics); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	found := false
	for _, m := range metrics.Data {
		if m.Name == "supervisedLoss" {
			found = len(m.Series) == 1
		}
	}
	if !found {
		t.Fatalf("supervisedLoss missing one point: %s", rec.Body.String())
	}
}

func TestConfigRoundTrip(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, "")
	rec := doJSON(t, e, http.MethodPatch, "/v1/config", `{"batch_size":3,"optimizer":{"optimizer":"sgd","optimizer_params":{"lr":0.05}},"generator":{"max_length":9}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, e, http.MethodGet, "/v1/config", "")
	var cfg module.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.BatchSize != 3 || cfg.Optimizer.Optimizer.Category != "sgd" || cfg.Generator.MaxLength != 9 {
		t.Fatalf("config not applied: %+v", cfg)
	}

	for _, body := range []string{
		`{"optimizer":{"optimizer":"nope"}}`,
		`{"optimizer":{"optimizer_params":{"lr":-1}}}`,
		`{"generator":{"max_length":0}}`,
	} {
		rec = doJSON(t, e, http.MethodPatch, "/v1/config", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", body, rec.Code, rec.Body.String())
		}
	}
}

func TestSave(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, "")
	rec := doJSON(t, e, http.MethodPost, "/v1/save", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a snapshot directory, got %d", rec.Code)
	}

	dir := filepath.Join(t.TempDir(), "snap")
	e, _ = newTestEcho(t, dir)
	rec = doJSON(t, e, http.MethodPost, "/v1/save", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("save status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if _, _, err := module.Inspect(dir); err != nil {
		t.Fatalf("Inspect saved snapshot: %v", err)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/save", `{"name":"best"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("named save status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp SaveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want := filepath.Join(dir, NamedSnapshots, "best"); resp.Dir != want {
		t.Fatalf("dir: got %s want %s", resp.Dir, want)
	}
	if _, _, err := module.Inspect(resp.Dir); err != nil {
		t.Fatalf("Inspect named snapshot: %v", err)
	}
}

func TestSaveRejectsPathsOutsideSnapshotDir(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	dir := filepath.Join(root, "snap")
	e, _ := newTestEcho(t, dir)
	outside := filepath.Join(root, "elsewhere")
	for _, body := range []string{
		`{"dir":"` + outside + `"}`,
		`{"name":"` + outside + `"}`,
		`{"name":"../elsewhere"}`,
		`{"name":"a/b"}`,
		`{"name":"."}`,
		`{"name":".."}`,
	} {
		rec := doJSON(t, e, http.MethodPost, "/v1/save", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", body, rec.Code, rec.Body.String())
		}
	}
	for _, p := range []string{outside, dir} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s was created by a rejected save: %v", p, err)
		}
	}
}
