package grading_test

import (
	"context"
	"errors"
	"testing"

	"github.com/viescolaire/procto/internal/grading"
	"github.com/viescolaire/procto/internal/models"
	"github.com/viescolaire/procto/internal/testutil/testdb"
)

func TestIdentify(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	svc := grading.New(h.DB, newMemStore(), &fakeRaster{}, testLogger(t))

	admin := seedUser(t, h, "Direction", models.RoleAdmin)
	prof := seedUser(t, h, "M. Durand", models.RoleTeacher)
	marie := seedStudent(t, h, "DUPONT Marie")
	examID := seedExam(t, svc, prof)

	t.Run("staging_copy_refused", func(t *testing.T) {
		id, err := svc.ImportCopy(ctx, examID, "COPY-RAW", []string{"p.png"}, admin)
		if err != nil {
			t.Fatal(err)
		}
		var verr *models.ValidationError
		if _, err := svc.Identify(ctx, id, marie, admin, "manual"); !errors.As(err, &verr) {
			t.Fatalf("got %v, want ValidationError", err)
		}
	})

	t.Run("unknown_student_refused", func(t *testing.T) {
		id := readyCopy(t, svc, examID, "COPY-UNK", admin)
		if _, err := svc.Identify(ctx, id, 99999, admin, "manual"); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
	})

	first := readyCopy(t, svc, examID, "COPY-A", admin)

	t.Run("first_identification", func(t *testing.T) {
		res, err := svc.Identify(ctx, first, marie, admin, "barcode")
		if err != nil {
			t.Fatal(err)
		}
		if res.Merged || res.TargetID != first {
			t.Fatalf("unexpected result %+v", res)
		}
		c, err := svc.GetCopy(ctx, first)
		if err != nil {
			t.Fatal(err)
		}
		if !c.IsIdentified || c.StudentID == nil || *c.StudentID != marie {
			t.Fatalf("copy not bound to student: %+v", c)
		}
	})

	t.Run("same_student_again_merges", func(t *testing.T) {
		second := readyCopy(t, svc, examID, "COPY-B", admin)

		// give the stray copy some grading material to carry over
		g, err := svc.AcquireLock(ctx, second, prof, 0)
		if err != nil {
			t.Fatal(err)
		}
		delta := 0.5
		if _, err := svc.CreateAnnotation(ctx, second, prof, g.Token, grading.AnnotationInput{
			PageIndex: 0, X: 0.2, Y: 0.3, W: 0.1, H: 0.1,
			Content: "bien vu", Kind: models.AnnBonus, ScoreDelta: &delta,
		}); err != nil {
			t.Fatal(err)
		}
		if err := svc.SetQuestionScore(ctx, second, prof, g.Token, "dst/q1", 4); err != nil {
			t.Fatal(err)
		}
		if err := svc.ReleaseLock(ctx, second, prof, g.Token); err != nil {
			t.Fatal(err)
		}

		res, err := svc.Identify(ctx, second, marie, admin, "manual")
		if err != nil {
			t.Fatal(err)
		}
		if !res.Merged || res.TargetID != first {
			t.Fatalf("expected merge into %d, got %+v", first, res)
		}
		if res.Counts.Booklets != 1 || res.Counts.Annotations != 1 || res.Counts.Scores != 1 {
			t.Fatalf("unexpected transfer counts %+v", res.Counts)
		}

		// the stray copy is gone, its material lives on the target
		if _, err := svc.GetCopy(ctx, second); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound for merged source", err)
		}
		anns, err := svc.ListAnnotations(ctx, first)
		if err != nil {
			t.Fatal(err)
		}
		if len(anns) != 1 {
			t.Fatalf("%d annotations on target, want 1", len(anns))
		}
	})

	t.Run("no_duplicates_after_merge", func(t *testing.T) {
		dups, err := svc.CheckForDuplicates(ctx, examID)
		if err != nil {
			t.Fatal(err)
		}
		if len(dups) != 0 {
			t.Fatalf("unexpected duplicate groups: %v", dups)
		}
	})

	t.Run("locked_copy_can_be_identified", func(t *testing.T) {
		paul := seedStudent(t, h, "MARTIN Paul")
		id := readyCopy(t, svc, examID, "COPY-C", admin)
		if _, err := svc.AcquireLock(ctx, id, prof, 0); err != nil {
			t.Fatal(err)
		}
		res, err := svc.Identify(ctx, id, paul, admin, "manual")
		if err != nil {
			t.Fatal(err)
		}
		if res.Merged {
			t.Fatal("unexpected merge")
		}
	})
}
