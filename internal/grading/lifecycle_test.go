package grading_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/grading"
	"github.com/viescolaire/procto/internal/models"
	"github.com/viescolaire/procto/internal/raster"
	"github.com/viescolaire/procto/internal/testutil/testdb"
)

// memStore keeps blobs in a map; pages that were never Put still resolve
// so lifecycle tests can seed copies with bare path strings.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

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

type fakeRaster struct {
	mu       sync.Mutex
	flattens int
	fail     bool
}

func (f *fakeRaster) RasterisePDF(context.Context, []byte) ([][]byte, error) {
	return [][]byte{[]byte("page0")}, nil
}

func (f *fakeRaster) Flatten(_ context.Context, req raster.FlattenRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flattens++
	if f.fail {
		return nil, &models.RasterError{Stage: "flatten", Err: errors.New("renderer down")}
	}
	return []byte(fmt.Sprintf("pdf:%s:%d_pages", req.Summary.AnonymousID, len(req.PagePaths))), nil
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	return zap.NewNop().Sugar()
}

func seedUser(t *testing.T, h *testdb.DBHandle, name string, role models.Role) int64 {
	t.Helper()
	id, err := db.CreateUser(context.Background(), h.DB, name, role)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func seedStudent(t *testing.T, h *testdb.DBHandle, name string) int64 {
	t.Helper()
	id, err := db.CreateStudent(context.Background(), h.DB, models.Student{
		FullName:  name,
		BirthDate: time.Date(2008, 5, 14, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func flatSchema() models.ScoringNode {
	return models.ScoringNode{Name: "dst", Children: []models.ScoringNode{
		{Name: "q1", MaxPoints: 8},
		{Name: "q2", MaxPoints: 12},
	}}
}

func flatDate() time.Time {
	return time.Date(2026, 3, 12, 8, 0, 0, 0, time.UTC)
}

func seedExam(t *testing.T, svc *grading.Service, correctors ...int64) int64 {
	t.Helper()
	id, err := svc.CreateExam(context.Background(), models.Exam{
		Name:       "DST Mathématiques",
		Date:       flatDate(),
		UploadMode: models.UploadBatchA3,
		Schema:     flatSchema(),
		Correctors: correctors,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func readyCopy(t *testing.T, svc *grading.Service, examID int64, anon string, actor int64) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := svc.ImportCopy(ctx, examID, anon, []string{
		"booklets/p0.png", "booklets/p1.png",
	}, actor)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ValidateCopy(ctx, id, actor); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestCopyLifecycle(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	store := newMemStore()
	rc := &fakeRaster{}
	svc := grading.New(h.DB, store, rc, testLogger(t))

	admin := seedUser(t, h, "Direction", models.RoleAdmin)
	prof1 := seedUser(t, h, "M. Durand", models.RoleTeacher)
	prof2 := seedUser(t, h, "Mme Lefèvre", models.RoleTeacher)
	examID := seedExam(t, svc, prof1, prof2)

	copyID, err := svc.ImportCopy(ctx, examID, "COPY-0001", []string{"pages/a.png", "pages/b.png"}, admin)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("staging_copy_rejects_lock", func(t *testing.T) {
		if _, err := svc.AcquireLock(ctx, copyID, prof1, 0); !errors.Is(err, models.ErrInvalidState) {
			t.Fatalf("got %v, want ErrInvalidState", err)
		}
	})

	t.Run("validate_moves_to_ready", func(t *testing.T) {
		if err := svc.ValidateCopy(ctx, copyID, admin); err != nil {
			t.Fatal(err)
		}
		c, err := svc.GetCopy(ctx, copyID)
		if err != nil {
			t.Fatal(err)
		}
		if c.Status != models.StatusReady {
			t.Fatalf("status %s, want READY", c.Status)
		}
		if c.ValidatedAt == nil {
			t.Fatal("validated_at not set")
		}
	})

	t.Run("validate_twice_rejected", func(t *testing.T) {
		if err := svc.ValidateCopy(ctx, copyID, admin); !errors.Is(err, models.ErrInvalidState) {
			t.Fatalf("got %v, want ErrInvalidState", err)
		}
	})

	var token string
	t.Run("lock_protocol", func(t *testing.T) {
		grant, err := svc.AcquireLock(ctx, copyID, prof1, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !grant.Created {
			t.Fatal("expected a fresh lease")
		}
		token = grant.Token

		// second corrector is told who holds it
		_, err = svc.AcquireLock(ctx, copyID, prof2, 0)
		var held *models.LockHeldError
		if !errors.As(err, &held) || held.Owner != prof1 {
			t.Fatalf("got %v, want LockHeldError owned by prof1", err)
		}

		// owner re-acquire extends, same token
		again, err := svc.AcquireLock(ctx, copyID, prof1, 0)
		if err != nil {
			t.Fatal(err)
		}
		if again.Created || again.Token != token {
			t.Fatalf("re-acquire should extend the lease, got created=%v", again.Created)
		}

		if _, err := svc.HeartbeatLock(ctx, copyID, prof1, "not-the-token", 0); !errors.Is(err, models.ErrInvalidToken) {
			t.Fatalf("got %v, want ErrInvalidToken", err)
		}
		if _, err := svc.HeartbeatLock(ctx, copyID, prof1, token, 0); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("draft_fencing", func(t *testing.T) {
		v, err := svc.PutDraft(ctx, copyID, prof1, []byte(`{"zoom":1}`), token, "tablette-1")
		if err != nil {
			t.Fatal(err)
		}
		if v != 1 {
			t.Fatalf("version %d, want 1", v)
		}
		v, err = svc.PutDraft(ctx, copyID, prof1, []byte(`{"zoom":2}`), token, "tablette-1")
		if err != nil {
			t.Fatal(err)
		}
		if v != 2 {
			t.Fatalf("version %d, want 2", v)
		}
		// same corrector from a second device must not silently clobber
		if _, err := svc.PutDraft(ctx, copyID, prof1, []byte(`{}`), token, "tablette-2"); !errors.Is(err, models.ErrSessionConflict) {
			t.Fatalf("got %v, want ErrSessionConflict", err)
		}
	})

	var annID int64
	t.Run("annotations_and_scores", func(t *testing.T) {
		delta := -1.5
		a, err := svc.CreateAnnotation(ctx, copyID, prof1, token, grading.AnnotationInput{
			PageIndex: 0, X: 0.1, Y: 0.1, W: 0.2, H: 0.05,
			Content: "calcul faux", Kind: models.AnnMalus, ScoreDelta: &delta,
		})
		if err != nil {
			t.Fatal(err)
		}
		annID = a.ID
		if a.Version != 1 {
			t.Fatalf("version %d, want 1", a.Version)
		}

		// page outside the copy
		if _, err := svc.CreateAnnotation(ctx, copyID, prof1, token, grading.AnnotationInput{
			PageIndex: 7, X: 0.1, Y: 0.1, W: 0.2, H: 0.05, Kind: models.AnnComment,
		}); err == nil {
			t.Fatal("expected page range rejection")
		}

		if err := svc.SetQuestionScore(ctx, copyID, prof1, token, "dst/q1", 6); err != nil {
			t.Fatal(err)
		}
		if err := svc.SetQuestionScore(ctx, copyID, prof1, token, "dst/q2", 9.5); err != nil {
			t.Fatal(err)
		}
		if err := svc.SetQuestionScore(ctx, copyID, prof1, token, "dst/q9", 1); err == nil {
			t.Fatal("expected unknown question rejection")
		}
		if err := svc.SetQuestionScore(ctx, copyID, prof1, token, "dst/q1", 9); err == nil {
			t.Fatal("expected over-max score rejection")
		}

		// stale version loses
		if _, err := svc.UpdateAnnotation(ctx, annID, prof1, token, 3, grading.AnnotationInput{
			PageIndex: 0, X: 0.1, Y: 0.1, W: 0.2, H: 0.05,
			Content: "faux", Kind: models.AnnMalus, ScoreDelta: &delta,
		}); !errors.Is(err, models.ErrVersionMismatch) {
			t.Fatalf("got %v, want ErrVersionMismatch", err)
		}

		upd, err := svc.UpdateAnnotation(ctx, annID, prof1, token, 1, grading.AnnotationInput{
			PageIndex: 0, X: 0.1, Y: 0.1, W: 0.2, H: 0.05,
			Content: "calcul faux, voir q2", Kind: models.AnnMalus, ScoreDelta: &delta,
		})
		if err != nil {
			t.Fatal(err)
		}
		if upd.Version != 2 {
			t.Fatalf("version %d, want 2", upd.Version)
		}
	})

	t.Run("non_owner_cannot_touch_annotation", func(t *testing.T) {
		other := models.User{ID: prof2, Role: models.RoleTeacher}
		if err := svc.DeleteAnnotation(ctx, annID, other, token); !errors.Is(err, models.ErrForbidden) {
			t.Fatalf("got %v, want ErrForbidden", err)
		}
	})

	t.Run("finalize", func(t *testing.T) {
		res, err := svc.Finalize(ctx, copyID, prof1, token)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != models.StatusGraded {
			t.Fatalf("status %s, want GRADED", res.Status)
		}
		// -1.5 + 6 + 9.5
		if res.FinalScore != 14 {
			t.Fatalf("final score %v, want 14", res.FinalScore)
		}
		pdf, err := svc.FinalPDF(ctx, copyID)
		if err != nil {
			t.Fatal(err)
		}
		if len(pdf) == 0 {
			t.Fatal("empty artefact")
		}

		// lock and draft are gone
		st, err := svc.GetLockStatus(ctx, copyID, prof1)
		if err != nil {
			t.Fatal(err)
		}
		if st.Locked {
			t.Fatal("lock survived finalisation")
		}
		d, err := svc.GetDraft(ctx, copyID, prof1)
		if err != nil {
			t.Fatal(err)
		}
		if d != nil {
			t.Fatal("draft survived finalisation")
		}
	})

	t.Run("finalize_is_terminal", func(t *testing.T) {
		if _, err := svc.Finalize(ctx, copyID, prof1, token); !errors.Is(err, models.ErrAlreadyFinalized) {
			t.Fatalf("got %v, want ErrAlreadyFinalized", err)
		}
		if _, err := svc.AcquireLock(ctx, copyID, prof2, 0); !errors.Is(err, models.ErrAlreadyFinalized) {
			t.Fatalf("got %v, want ErrAlreadyFinalized", err)
		}
	})

	t.Run("audit_trail_has_one_finalize", func(t *testing.T) {
		evs, err := svc.AuditTrail(ctx, copyID)
		if err != nil {
			t.Fatal(err)
		}
		finalizes := 0
		for _, ev := range evs {
			if ev.Action == models.EvFinalize {
				finalizes++
			}
		}
		if finalizes != 1 {
			t.Fatalf("%d FINALIZE events, want exactly 1", finalizes)
		}
	})
}

func TestLockExpiry(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	now := time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)
	clock := &now
	svc := grading.New(h.DB, newMemStore(), &fakeRaster{}, testLogger(t),
		grading.WithClock(func() time.Time { return *clock }))

	admin := seedUser(t, h, "Direction", models.RoleAdmin)
	prof1 := seedUser(t, h, "M. Durand", models.RoleTeacher)
	prof2 := seedUser(t, h, "Mme Lefèvre", models.RoleTeacher)
	examID := seedExam(t, svc, prof1, prof2)
	copyID := readyCopy(t, svc, examID, "COPY-0042", admin)

	grant, err := svc.AcquireLock(ctx, copyID, prof1, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	// before expiry the second corrector is refused
	if _, err := svc.AcquireLock(ctx, copyID, prof2, 0); err == nil {
		t.Fatal("expected LockHeldError before expiry")
	}

	now = now.Add(6 * time.Minute)

	t.Run("expired_lease_is_reclaimed_lazily", func(t *testing.T) {
		g2, err := svc.AcquireLock(ctx, copyID, prof2, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !g2.Created {
			t.Fatal("expected a fresh lease after expiry")
		}
		if g2.Token == grant.Token {
			t.Fatal("expired token reused")
		}
	})

	t.Run("old_token_is_dead", func(t *testing.T) {
		if _, err := svc.HeartbeatLock(ctx, copyID, prof1, grant.Token, 0); err == nil {
			t.Fatal("expected the expired owner's heartbeat to fail")
		}
		if _, err := svc.PutDraft(ctx, copyID, prof1, []byte(`{}`), grant.Token, "tablette-1"); err == nil {
			t.Fatal("expected the expired owner's draft write to fail")
		}
	})

	t.Run("sweep_counts_expired", func(t *testing.T) {
		other := readyCopy(t, svc, examID, "COPY-0043", admin)
		if _, err := svc.AcquireLock(ctx, other, prof1, 2*time.Minute); err != nil {
			t.Fatal(err)
		}
		now = now.Add(3 * time.Minute)
		n, err := svc.SweepExpiredLocks(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("swept %d, want 1", n)
		}
		c, err := svc.GetCopy(ctx, other)
		if err != nil {
			t.Fatal(err)
		}
		if c.Status != models.StatusReady {
			t.Fatalf("status %s, want READY after sweep", c.Status)
		}
	})
}

func TestFinalizeFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	rc := &fakeRaster{fail: true}
	var alarms int
	svc := grading.New(h.DB, newMemStore(), rc, testLogger(t),
		grading.WithAlarm(func(context.Context, models.Copy, string) { alarms++ }))

	admin := seedUser(t, h, "Direction", models.RoleAdmin)
	prof := seedUser(t, h, "M. Durand", models.RoleTeacher)
	examID := seedExam(t, svc, prof)
	copyID := readyCopy(t, svc, examID, "COPY-0100", admin)

	grant, err := svc.AcquireLock(ctx, copyID, prof, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Finalize(ctx, copyID, prof, grant.Token); err == nil {
		t.Fatal("expected flatten failure")
	}
	c, err := svc.GetCopy(ctx, copyID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != models.StatusGradingFailed {
		t.Fatalf("status %s, want GRADING_FAILED", c.Status)
	}
	if c.GradingRetries != 1 {
		t.Fatalf("retries %d, want 1", c.GradingRetries)
	}
	if c.GradingError == nil {
		t.Fatal("grading_error not recorded")
	}

	// a failed copy retries straight from GRADING_FAILED, no new lock
	for i := 0; i < 2; i++ {
		if _, err := svc.Finalize(ctx, copyID, prof, ""); err == nil {
			t.Fatal("expected flatten failure")
		}
	}
	if alarms != 1 {
		t.Fatalf("alarms %d, want 1 at retry exhaustion", alarms)
	}

	t.Run("exhausted_copy_needs_admin_reset", func(t *testing.T) {
		if _, err := svc.Finalize(ctx, copyID, prof, ""); !errors.Is(err, models.ErrInvalidState) {
			t.Fatalf("got %v, want ErrInvalidState", err)
		}
		if err := svc.ResetFailedCopy(ctx, copyID, admin); err != nil {
			t.Fatal(err)
		}
		c, err := svc.GetCopy(ctx, copyID)
		if err != nil {
			t.Fatal(err)
		}
		if c.Status != models.StatusReady || c.GradingRetries != 0 {
			t.Fatalf("status %s retries %d after reset", c.Status, c.GradingRetries)
		}
	})

	t.Run("succeeds_after_renderer_recovers", func(t *testing.T) {
		rc.fail = false
		g, err := svc.AcquireLock(ctx, copyID, prof, 0)
		if err != nil {
			t.Fatal(err)
		}
		res, err := svc.Finalize(ctx, copyID, prof, g.Token)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != models.StatusGraded {
			t.Fatalf("status %s, want GRADED", res.Status)
		}
	})
}

func TestFinalize_Parallel(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	store := newMemStore()
	rc := &fakeRaster{}
	svc := grading.New(h.DB, store, rc, testLogger(t))

	admin := seedUser(t, h, "Direction", models.RoleAdmin)
	prof := seedUser(t, h, "M. Durand", models.RoleTeacher)
	examID := seedExam(t, svc, prof)
	copyID := readyCopy(t, svc, examID, "COPY-RACE", admin)

	g, err := svc.AcquireLock(ctx, copyID, prof, 0)
	if err != nil {
		t.Fatal(err)
	}
	delta := 2.5
	if _, err := svc.CreateAnnotation(ctx, copyID, prof, g.Token, grading.AnnotationInput{
		PageIndex: 0, X: 0.1, Y: 0.1, W: 0.2, H: 0.1,
		Kind: models.AnnBonus, ScoreDelta: &delta,
	}); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 2)
	wg := sync.WaitGroup{}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Finalize(ctx, copyID, prof, g.Token)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, losses int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, models.ErrAlreadyFinalized):
			losses++
		default:
			t.Fatalf("unexpected finalize error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins=%d losses=%d, want exactly one of each", wins, losses)
	}

	c, err := svc.GetCopy(ctx, copyID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != models.StatusGraded {
		t.Fatalf("status %s, want GRADED", c.Status)
	}
	if c.GradingRetries != 1 {
		t.Fatalf("retries %d, want 1", c.GradingRetries)
	}
	if rc.flattens != 1 {
		t.Fatalf("%d flatten calls, want 1", rc.flattens)
	}
	n, err := db.CountEvents(ctx, h.DB, copyID, models.EvFinalize)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("%d FINALIZE events, want exactly 1", n)
	}
}
