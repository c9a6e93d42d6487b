package grading_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/viescolaire/procto/internal/grading"
	"github.com/viescolaire/procto/internal/models"
	"github.com/viescolaire/procto/internal/testutil/testdb"
)

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	svc := grading.New(h.DB, newMemStore(), &fakeRaster{}, testLogger(t))

	admin := seedUser(t, h, "Direction", models.RoleAdmin)
	profs := []int64{
		seedUser(t, h, "M. Durand", models.RoleTeacher),
		seedUser(t, h, "Mme Lefèvre", models.RoleTeacher),
		seedUser(t, h, "M. Bernard", models.RoleTeacher),
	}
	examID := seedExam(t, svc, profs...)

	for i := 0; i < 7; i++ {
		readyCopy(t, svc, examID, fmt.Sprintf("COPY-%04d", i), admin)
	}
	// a STAGING copy must never be handed out
	if _, err := svc.ImportCopy(ctx, examID, "COPY-STAG", []string{"p.png"}, admin); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Dispatch(ctx, examID, admin)
	if err != nil {
		t.Fatal(err)
	}
	if res.CopiesAssigned != 7 {
		t.Fatalf("assigned %d, want 7", res.CopiesAssigned)
	}
	if res.Correctors != 3 {
		t.Fatalf("correctors %d, want 3", res.Correctors)
	}
	if res.MaxAssigned-res.MinAssigned > 1 {
		t.Fatalf("unbalanced run: min=%d max=%d", res.MinAssigned, res.MaxAssigned)
	}

	copies, err := svc.ListCopies(ctx, examID)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range copies {
		if c.Status == models.StatusStaging && c.AssignedCorrector != nil {
			t.Fatalf("staging copy %s got assigned", c.AnonymousID)
		}
		if c.Status == models.StatusReady && c.AssignedCorrector == nil {
			t.Fatalf("ready copy %s left unassigned", c.AnonymousID)
		}
	}

	t.Run("rerun_assigns_nothing", func(t *testing.T) {
		again, err := svc.Dispatch(ctx, examID, admin)
		if err != nil {
			t.Fatal(err)
		}
		if again.CopiesAssigned != 0 {
			t.Fatalf("re-run assigned %d, want 0", again.CopiesAssigned)
		}
	})

	t.Run("late_copies_level_existing_load", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			readyCopy(t, svc, examID, fmt.Sprintf("COPY-LATE-%d", i), admin)
		}
		res, err := svc.Dispatch(ctx, examID, admin)
		if err != nil {
			t.Fatal(err)
		}
		if res.CopiesAssigned != 3 {
			t.Fatalf("assigned %d, want 3", res.CopiesAssigned)
		}
		// 10 ready copies over 3 correctors: totals must land on 4/3/3
		copies, err := svc.ListCopies(ctx, examID)
		if err != nil {
			t.Fatal(err)
		}
		totals := map[int64]int{}
		for _, c := range copies {
			if c.AssignedCorrector != nil {
				totals[*c.AssignedCorrector]++
			}
		}
		min, max := 10, 0
		for _, p := range profs {
			if totals[p] < min {
				min = totals[p]
			}
			if totals[p] > max {
				max = totals[p]
			}
		}
		if max-min > 1 {
			t.Fatalf("total load unbalanced: %v", totals)
		}
	})

	t.Run("no_correctors", func(t *testing.T) {
		empty, err := svc.CreateExam(ctx, models.Exam{
			Name:       "Interro sans correcteurs",
			Date:       flatDate(),
			UploadMode: models.UploadIndividual,
			Schema:     flatSchema(),
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Dispatch(ctx, empty, admin); !errors.Is(err, models.ErrNoCorrectors) {
			t.Fatalf("got %v, want ErrNoCorrectors", err)
		}
	})
}
