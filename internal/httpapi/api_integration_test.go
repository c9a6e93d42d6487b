package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/grading"
	"github.com/viescolaire/procto/internal/httpapi"
	"github.com/viescolaire/procto/internal/jobs"
	"github.com/viescolaire/procto/internal/models"
	"github.com/viescolaire/procto/internal/raster"
	"github.com/viescolaire/procto/internal/testutil/testdb"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memStore) Put(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[path] = data
	return nil
}

func (m *memStore) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.data[path]; ok {
		return d, nil
	}
	return []byte("png:" + path), nil
}

func (m *memStore) URL(path string) string { return "mem://" + path }

func (m *memStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, path)
	return nil
}

type stubRaster struct{}

func (stubRaster) RasterisePDF(context.Context, []byte) ([][]byte, error) {
	return [][]byte{[]byte("page0")}, nil
}

func (stubRaster) Flatten(context.Context, raster.FlattenRequest) ([]byte, error) {
	return []byte("final-pdf"), nil
}

type apiHarness struct {
	handler http.Handler
	svc     *grading.Service
	db      *testdb.DBHandle
}

func (a *apiHarness) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func startAPI(t *testing.T) (*apiHarness, int64, int64) {
	t.Helper()
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Close)

	log := zap.NewNop().Sugar()
	svc := grading.New(h.DB, &memStore{data: map[string][]byte{}}, stubRaster{}, log)
	queue := jobs.NewQueue(h.DB, log)

	admin, err := db.CreateUser(ctx, h.DB, "Direction", models.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	prof, err := db.CreateUser(ctx, h.DB, "M. Durand", models.RoleTeacher)
	if err != nil {
		t.Fatal(err)
	}
	auth := &httpapi.StaticTokenAuth{DB: h.DB, Tokens: map[string]int64{
		"tok-admin": admin,
		"tok-prof":  prof,
	}}
	srv := httpapi.New(svc, queue, h.DB, auth, log)
	return &apiHarness{handler: srv.Handler(), svc: svc, db: h}, admin, prof
}

func TestCopyEndpoints(t *testing.T) {
	ctx := context.Background()
	a, admin, prof := startAPI(t)

	examID, err := a.svc.CreateExam(ctx, models.Exam{
		Name:       "Histoire",
		Date:       time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC),
		UploadMode: models.UploadBatchA3,
		Schema: models.ScoringNode{Name: "dst", Children: []models.ScoringNode{
			{Name: "q1", MaxPoints: 20},
		}},
		Correctors: []int64{prof},
	})
	if err != nil {
		t.Fatal(err)
	}
	copyID, err := a.svc.ImportCopy(ctx, examID, "COPY-0001", []string{"pages/a.png"}, admin)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.svc.ValidateCopy(ctx, copyID, admin); err != nil {
		t.Fatal(err)
	}
	studentID, err := db.CreateStudent(ctx, a.db.DB, models.Student{
		FullName:  "Marie Dupont",
		BirthDate: time.Date(2008, 5, 14, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.svc.Identify(ctx, copyID, studentID, admin, "manual"); err != nil {
		t.Fatal(err)
	}
	copyPath := func(suffix string) string {
		return "/api/copies/" + strconv.FormatInt(copyID, 10) + suffix
	}
	examPath := "/api/exams/" + strconv.FormatInt(examID, 10)

	t.Run("lock_rejects_zero_ttl", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, copyPath("/lock"), "tok-prof", `{"ttl_seconds": 0}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("got %d, want 400: %s", rec.Code, rec.Body.String())
		}
	})

	var token string
	t.Run("lock_acquire_reports_server_time", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, copyPath("/lock"), "tok-prof", `{}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("got %d, want 201: %s", rec.Code, rec.Body.String())
		}
		var body struct {
			Token      string     `json:"token"`
			ExpiresAt  time.Time  `json:"expires_at"`
			ServerTime *time.Time `json:"server_time"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body.Token == "" || body.ServerTime == nil {
			t.Fatalf("incomplete grant payload: %s", rec.Body.String())
		}
		token = body.Token
	})

	t.Run("lock_status_reports_server_time", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, copyPath("/lock"), "tok-prof", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("got %d, want 200", rec.Code)
		}
		var body struct {
			Locked     bool       `json:"locked"`
			ServerTime *time.Time `json:"server_time"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if !body.Locked || body.ServerTime == nil {
			t.Fatalf("incomplete status payload: %s", rec.Body.String())
		}
	})

	t.Run("absent_draft_is_204", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, copyPath("/draft"), "tok-prof", "")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("got %d, want 204", rec.Code)
		}
	})

	t.Run("final_pdf_forbidden_before_grading", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, copyPath("/final-pdf"), "tok-prof", "")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("got %d, want 403", rec.Code)
		}
	})

	t.Run("final_pdf_after_grading", func(t *testing.T) {
		if err := a.svc.SetQuestionScore(ctx, copyID, prof, token, "dst/q1", 14.5); err != nil {
			t.Fatal(err)
		}
		if _, err := a.svc.Finalize(ctx, copyID, prof, token); err != nil {
			t.Fatal(err)
		}
		rec := a.do(t, http.MethodGet, copyPath("/final-pdf"), "tok-prof", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("got %d, want 200: %s", rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
			t.Fatalf("content type %q", ct)
		}
		if cc := rec.Header().Get("Cache-Control"); cc != "private, no-store, no-cache, must-revalidate, max-age=0" {
			t.Fatalf("cache control %q", cc)
		}
		if rec.Header().Get("Pragma") != "no-cache" || rec.Header().Get("Expires") != "0" {
			t.Fatalf("missing anti-cache headers: %v", rec.Header())
		}
		if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Fatal("missing nosniff")
		}
	})

	t.Run("export_pronote_post", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, examPath+"/export-pronote",
			"tok-prof", `{"coefficient": 2}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("got %d, want 200: %s", rec.Code, rec.Body.String())
		}
		if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv") {
			t.Fatalf("content type %q", rec.Header().Get("Content-Type"))
		}
		if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\xEF\xBB\xBF")) {
			t.Fatal("missing BOM")
		}
		if !strings.Contains(rec.Body.String(), "14,50;2,0") {
			t.Fatalf("unexpected csv: %s", rec.Body.String())
		}
	})

	t.Run("export_pronote_rejects_bad_coefficient", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, examPath+"/export-pronote",
			"tok-prof", `{"coefficient": 0}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("got %d, want 400", rec.Code)
		}
	})
}
