package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"reqline/internal/config"
	"reqline/internal/db"
	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/engine/auth"
	"reqline/internal/lifecycle"
	"reqline/internal/migrate"
	"reqline/internal/repo"
)

var baseTime = time.Date(2024, 4, 26, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	now := baseTime
	eng.Now = func() time.Time { return now }
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester", cfg); err != nil {
		t.Fatalf("init project: %v", err)
	}
	env := testEnv{Engine: &eng, Ctx: ctx}
	return env
}

func (env testEnv) setNow(ts time.Time) {
	env.Engine.Now = func() time.Time { return ts }
}

func createRequirement(t *testing.T, env testEnv) domain.Requirement {
	t.Helper()
	req, err := env.Engine.CreateRequirement(env.Ctx, engine.RequirementCreateOptions{
		ProjectID: "proj-1",
		Title:     "Export orders to CSV",
		Priority:  "high",
		Reviewer1: "rev1",
		Reviewer2: "rev2",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create requirement: %v", err)
	}
	return req
}

func subtaskByPhase(t *testing.T, r domain.Requirement, phase domain.Phase) domain.Subtask {
	t.Helper()
	for _, s := range r.Subtasks {
		if s.Phase == phase {
			return s
		}
	}
	t.Fatalf("no %s subtask in %+v", phase, r.Subtasks)
	return domain.Subtask{}
}

func setStatus(t *testing.T, env testEnv, r domain.Requirement, phase domain.Phase, status string) domain.Requirement {
	t.Helper()
	s := subtaskByPhase(t, r, phase)
	next, err := env.Engine.EditSubtask(env.Ctx, r.ID, s.ID, []lifecycle.SubtaskEdit{{Field: lifecycle.FieldStatus, Value: status}}, "tester")
	if err != nil {
		t.Fatalf("set %s to %s: %v", phase, status, err)
	}
	return next
}

func TestCreateRequirementSeedsTemplates(t *testing.T) {
	env := newTestEnv(t)
	req := createRequirement(t, env)
	if len(req.Subtasks) != 6 {
		t.Fatalf("expected 6 template subtasks, got %d", len(req.Subtasks))
	}
	if req.AggregateStatus != domain.StatusAwaitingPrototype {
		t.Fatalf("unexpected status %s", req.AggregateStatus)
	}
	if req.ReviewLevel2 == nil || req.ReviewLevel2.Reviewer() != "rev2" {
		t.Fatalf("expected level 2 reviewed by rev2, got %+v", req.ReviewLevel2)
	}
	stored, err := env.Engine.Repo.GetRequirement(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Title != req.Title || stored.Priority != domain.PriorityHigh || len(stored.Subtasks) != 6 {
		t.Fatalf("round trip mismatch: %+v", stored)
	}
	for i := range stored.Subtasks {
		if stored.Subtasks[i].ID != req.Subtasks[i].ID {
			t.Fatalf("subtask order not preserved at %d", i)
		}
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{ProjectID: "proj-1", EntityID: req.ID})
	if err != nil || len(evts) != 1 || evts[0].Type != "requirement.create" {
		t.Fatalf("expected create event, got %+v err=%v", evts, err)
	}
}

func TestCreateRequirementValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.RequirementCreateOptions{
		{ProjectID: "proj-1", Title: "  "},
		{ProjectID: "proj-1", Title: "x", Priority: "critical"},
		{ProjectID: "proj-1", Title: "x", Kind: "epic"},
		{ProjectID: "proj-1", Title: "x", ReviewLevels: 3},
	}
	for _, opts := range cases {
		if _, err := env.Engine.CreateRequirement(env.Ctx, opts); !errors.Is(err, engine.ErrInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", opts, err)
		}
	}
	_, err := env.Engine.CreateRequirement(env.Ctx, engine.RequirementCreateOptions{ProjectID: "nope", Title: "x"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown project, got %v", err)
	}
}

func TestSubtaskEditsDriveAggregateStatus(t *testing.T) {
	env := newTestEnv(t)
	req := createRequirement(t, env)

	req = setStatus(t, env, req, domain.PhasePrototype, "in-progress")
	if req.AggregateStatus != domain.StatusPrototypeInProgress {
		t.Fatalf("expected prototype-in-progress, got %s", req.AggregateStatus)
	}
	req = setStatus(t, env, req, domain.PhasePrototype, "completed")
	req = setStatus(t, env, req, domain.PhaseUI, "completed")
	for _, s := range req.Subtasks {
		if s.Phase == domain.PhaseDevelopment {
			var err error
			req, err = env.Engine.EditSubtask(env.Ctx, req.ID, s.ID, []lifecycle.SubtaskEdit{{Field: lifecycle.FieldStatus, Value: "completed"}}, "tester")
			if err != nil {
				t.Fatalf("complete development: %v", err)
			}
		}
	}
	if req.AggregateStatus != domain.StatusAwaitingTesting {
		t.Fatalf("expected awaiting-testing, got %s", req.AggregateStatus)
	}

	stored, err := env.Engine.Repo.GetRequirement(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.AggregateStatus != domain.StatusAwaitingTesting {
		t.Fatalf("stored status %s", stored.AggregateStatus)
	}

	testing1 := subtaskByPhase(t, req, domain.PhaseTesting)
	req, err = env.Engine.EditSubtask(env.Ctx, req.ID, testing1.ID, []lifecycle.SubtaskEdit{
		{Field: lifecycle.FieldStatus, Value: "completed"},
		{Field: lifecycle.FieldEstimatedEnd, Value: "2024-04-25T18:00:00Z"},
		{Field: lifecycle.FieldActualEnd, Value: "2024-04-28T17:30:00Z"},
	}, "tester")
	if err != nil {
		t.Fatalf("edit testing subtask: %v", err)
	}
	if got := subtaskByPhase(t, req, domain.PhaseTesting).DelayStatus; got != domain.DelayLate {
		t.Fatalf("expected late, got %s", got)
	}
	if req.AggregateStatus != domain.StatusAwaitingAcceptance {
		t.Fatalf("expected awaiting-acceptance, got %s", req.AggregateStatus)
	}

	_, err = env.Engine.EditSubtask(env.Ctx, req.ID, testing1.ID, []lifecycle.SubtaskEdit{
		{Field: lifecycle.FieldStatus, Value: "in-progress"},
		{Field: lifecycle.FieldStatus, Value: "bogus"},
	}, "tester")
	var invalid lifecycle.InvalidValueError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid value error, got %v", err)
	}
	stored, err = env.Engine.Repo.GetRequirement(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if subtaskByPhase(t, stored, domain.PhaseTesting).Status != domain.SubtaskCompleted {
		t.Fatalf("failed edit batch must not be persisted")
	}
}

func TestAddAndDeleteSubtask(t *testing.T) {
	env := newTestEnv(t)
	req := createRequirement(t, env)
	req, err := env.Engine.AddSubtask(env.Ctx, req.ID, domain.Subtask{Name: "Regression testing", Status: domain.SubtaskInProgress}, "tester")
	if err != nil {
		t.Fatalf("add subtask: %v", err)
	}
	added := req.Subtasks[len(req.Subtasks)-1]
	if added.ID == "" || added.Phase != domain.PhaseTesting {
		t.Fatalf("unexpected added subtask %+v", added)
	}
	if req.AggregateStatus != domain.StatusTestingInProgress {
		t.Fatalf("expected testing-in-progress, got %s", req.AggregateStatus)
	}
	req, err = env.Engine.DeleteSubtask(env.Ctx, req.ID, added.ID, "tester")
	if err != nil {
		t.Fatalf("delete subtask: %v", err)
	}
	if req.AggregateStatus != domain.StatusAwaitingPrototype {
		t.Fatalf("expected awaiting-prototype after delete, got %s", req.AggregateStatus)
	}
	if _, err := env.Engine.DeleteSubtask(env.Ctx, req.ID, added.ID, "tester"); !errors.Is(err, lifecycle.ErrSubtaskNotFound) {
		t.Fatalf("expected subtask not found, got %v", err)
	}
}

func TestReviewGate(t *testing.T) {
	env := newTestEnv(t)
	req := createRequirement(t, env)
	approve := []lifecycle.ReviewEdit{{Field: lifecycle.ReviewFieldStatus, Value: "approved"}}

	if _, err := env.Engine.EditReview(env.Ctx, req.ID, 1, approve, "rev2"); !errors.As(err, new(auth.NotReviewerError)) {
		t.Fatalf("expected not reviewer error, got %v", err)
	}
	req, err := env.Engine.EditReview(env.Ctx, req.ID, 1, approve, "rev1")
	if err != nil {
		t.Fatalf("level 1 approve: %v", err)
	}
	if req.OverallReview != domain.OverallAwaitingLevel2 {
		t.Fatalf("expected awaiting-level-2, got %s", req.OverallReview)
	}
	if req.ReviewLevel1.ReviewedAt == nil || !req.ReviewLevel1.ReviewedAt.Equal(baseTime) {
		t.Fatalf("review timestamp not stamped: %+v", req.ReviewLevel1)
	}

	_, err = env.Engine.AssignVersion(env.Ctx, req.ID, "v1.4.0", "tester")
	if !errors.Is(err, engine.ErrReviewGateClosed) {
		t.Fatalf("expected gate closed, got %v", err)
	}
	var gate engine.GateClosedError
	if !errors.As(err, &gate) || gate.OverallReview != domain.OverallAwaitingLevel2 {
		t.Fatalf("expected gate error detail, got %v", err)
	}

	if _, err := env.Engine.EditReview(env.Ctx, req.ID, 2, approve, "rev2"); err != nil {
		t.Fatalf("level 2 approve: %v", err)
	}
	req, err = env.Engine.AssignVersion(env.Ctx, req.ID, "v1.4.0", "tester")
	if err != nil {
		t.Fatalf("assign version: %v", err)
	}
	if req.PlannedVersion == nil || *req.PlannedVersion != "v1.4.0" {
		t.Fatalf("planned version not set: %+v", req.PlannedVersion)
	}

	_, err = env.Engine.EditReview(env.Ctx, req.ID, 2, []lifecycle.ReviewEdit{
		{Field: lifecycle.ReviewFieldStatus, Value: "rejected"},
		{Field: lifecycle.ReviewFieldOpinion, Value: "scope too wide"},
	}, "rev2")
	if err != nil {
		t.Fatalf("level 2 reject: %v", err)
	}
	stored, err := env.Engine.Repo.GetRequirement(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.OverallReview != domain.OverallRejected || stored.PlannedVersion != nil {
		t.Fatalf("rejection must close the gate and drop the version: %+v", stored)
	}
	if stored.ReviewLevel2.Opinion != "scope too wide" {
		t.Fatalf("opinion not stored: %+v", stored.ReviewLevel2)
	}
}

func TestReviewerReassignment(t *testing.T) {
	env := newTestEnv(t)
	req := createRequirement(t, env)
	reassign := []lifecycle.ReviewEdit{{Field: lifecycle.ReviewFieldReviewer, Value: "rev3"}}

	_, err := env.Engine.EditReview(env.Ctx, req.ID, 1, reassign, "stranger")
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != auth.PermReviewAssign {
		t.Fatalf("expected forbidden, got %v", err)
	}
	req, err = env.Engine.EditReview(env.Ctx, req.ID, 1, reassign, "tester")
	if err != nil {
		t.Fatalf("owner reassign: %v", err)
	}
	if req.ReviewLevel1.Reviewer() != "rev3" {
		t.Fatalf("reviewer not reassigned: %+v", req.ReviewLevel1)
	}
	if _, err := env.Engine.EditReview(env.Ctx, req.ID, 1, []lifecycle.ReviewEdit{{Field: lifecycle.ReviewFieldStatus, Value: "approved"}}, "rev1"); err == nil {
		t.Fatalf("previous reviewer must lose edit rights")
	}
}

func TestSingleLevelRequirement(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.CreateRequirement(env.Ctx, engine.RequirementCreateOptions{
		ProjectID: "proj-1", Title: "Hotfix", Kind: "bug", ReviewLevels: 1, Reviewer1: "rev1",
		Subtasks: []string{"Backend development"}, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.ReviewLevel2 != nil || len(req.Subtasks) != 1 {
		t.Fatalf("unexpected shape %+v", req)
	}
	if _, err := env.Engine.EditReview(env.Ctx, req.ID, 2, []lifecycle.ReviewEdit{{Field: lifecycle.ReviewFieldOpinion, Value: "x"}}, "rev1"); !errors.Is(err, lifecycle.ErrLevelNotFound) {
		t.Fatalf("expected level not found, got %v", err)
	}
	if _, err := env.Engine.EditReview(env.Ctx, req.ID, 1, []lifecycle.ReviewEdit{{Field: lifecycle.ReviewFieldStatus, Value: "approved"}}, "rev1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignVersion(env.Ctx, req.ID, "v2.0.1", "tester"); err != nil {
		t.Fatalf("single approved level opens the gate: %v", err)
	}
}

func TestRecomputeAllRefreshesDelay(t *testing.T) {
	env := newTestEnv(t)
	req := createRequirement(t, env)
	dev := subtaskByPhase(t, req, domain.PhaseDevelopment)
	_, err := env.Engine.EditSubtask(env.Ctx, req.ID, dev.ID, []lifecycle.SubtaskEdit{
		{Field: lifecycle.FieldStatus, Value: "in-progress"},
		{Field: lifecycle.FieldEstimatedEnd, Value: "2024-04-27T00:00:00Z"},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	other := createRequirement(t, env)

	n, err := env.Engine.RecomputeAll(env.Ctx, "proj-1", "tester")
	if err != nil || n != 0 {
		t.Fatalf("nothing should change yet: n=%d err=%v", n, err)
	}

	env.setNow(baseTime.Add(48 * time.Hour))
	n, err = env.Engine.RecomputeAll(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 changed requirement, got %d", n)
	}
	stored, err := env.Engine.Repo.GetRequirement(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := subtaskByPhase(t, stored, domain.PhaseDevelopment).DelayStatus; got != domain.DelayLate {
		t.Fatalf("expected late after recompute, got %s", got)
	}
	untouched, err := env.Engine.Repo.GetRequirement(env.Ctx, other.ID)
	if err != nil {
		t.Fatal(err)
	}
	if untouched.UpdatedAt != other.UpdatedAt {
		t.Fatalf("unchanged requirement must not be rewritten")
	}
}

func TestImportConfigChangesClassifier(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("proj-1")
	cfg.Phases.Keywords = map[string][]string{"development": {"build"}, "acceptance": {"sign-off"}}
	cfg.Templates.Subtasks = []string{"Build exporter", "Customer sign-off"}
	cfg.Review.Levels = 1
	if err := env.Engine.ImportConfig(env.Ctx, "proj-1", cfg, "tester"); err != nil {
		t.Fatalf("import config: %v", err)
	}
	phase, err := env.Engine.Classify(env.Ctx, "proj-1", "Build exporter")
	if err != nil || phase != domain.PhaseDevelopment {
		t.Fatalf("expected development, got %s err=%v", phase, err)
	}
	req := createRequirement(t, env)
	if req.ReviewLevel2 != nil {
		t.Fatalf("project default of one review level not applied")
	}
	if len(req.Subtasks) != 2 || req.Subtasks[1].Phase != domain.PhaseAcceptance {
		t.Fatalf("templates not applied: %+v", req.Subtasks)
	}
	stored, err := env.Engine.ProjectConfig(env.Ctx, "proj-1")
	if err != nil || stored.ReviewLevels() != 1 {
		t.Fatalf("stored config not preferred: %+v err=%v", stored, err)
	}
}

func TestProjectConfigFallsBackWhenNothingStored(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := env.Engine.ProjectConfig(env.Ctx, "proj-unknown")
	if err != nil {
		t.Fatalf("project config: %v", err)
	}
	if cfg.Project.ID != "proj-unknown" || cfg.ReviewLevels() != 2 {
		t.Fatalf("expected defaults for unknown project, got %+v", cfg.Project)
	}
}

func TestDeleteRequirement(t *testing.T) {
	env := newTestEnv(t)
	req := createRequirement(t, env)
	if err := env.Engine.DeleteRequirement(env.Ctx, req.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetRequirement(env.Ctx, req.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := env.Engine.DeleteRequirement(env.Ctx, req.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestUpdateRequirementKeepsDerivedFields(t *testing.T) {
	env := newTestEnv(t)
	req := createRequirement(t, env)
	req = setStatus(t, env, req, domain.PhasePrototype, "in-progress")
	title := "Export orders to XLSX"
	prio := "urgent"
	updated, err := env.Engine.UpdateRequirement(env.Ctx, engine.RequirementUpdateOptions{ID: req.ID, Title: &title, Priority: &prio, ActorID: "tester"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != title || updated.Priority != domain.PriorityUrgent {
		t.Fatalf("header not updated: %+v", updated)
	}
	if updated.AggregateStatus != domain.StatusPrototypeInProgress {
		t.Fatalf("derived status changed by header update: %s", updated.AggregateStatus)
	}
	bad := "whenever"
	if _, err := env.Engine.UpdateRequirement(env.Ctx, engine.RequirementUpdateOptions{ID: req.ID, Priority: &bad}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid priority, got %v", err)
	}
}

func TestPendingReviewsFollowLevelOrder(t *testing.T) {
	env := newTestEnv(t)
	req := createRequirement(t, env)

	pendingFor := func(reviewer string) int {
		t.Helper()
		items, err := env.Engine.PendingReviews(env.Ctx, "proj-1", reviewer)
		if err != nil {
			t.Fatalf("pending reviews for %s: %v", reviewer, err)
		}
		return len(items)
	}
	if pendingFor("rev1") != 1 || pendingFor("rev2") != 0 {
		t.Fatalf("before level 1: rev1=%d rev2=%d", pendingFor("rev1"), pendingFor("rev2"))
	}
	approve := []lifecycle.ReviewEdit{{Field: lifecycle.ReviewFieldStatus, Value: "approved"}}
	if _, err := env.Engine.EditReview(env.Ctx, req.ID, 1, approve, "rev1"); err != nil {
		t.Fatalf("approve level 1: %v", err)
	}
	if pendingFor("rev1") != 0 || pendingFor("rev2") != 1 {
		t.Fatalf("after level 1: rev1=%d rev2=%d", pendingFor("rev1"), pendingFor("rev2"))
	}
}

func TestWhoAmIAndAssignments(t *testing.T) {
	env := newTestEnv(t)
	who, err := env.Engine.WhoAmI(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if len(who.Roles) != 1 || who.Roles[0] != "owner" || len(who.Permissions) != 6 {
		t.Fatalf("unexpected owner identity %+v", who)
	}

	req := createRequirement(t, env)
	dev := subtaskByPhase(t, req, domain.PhaseDevelopment)
	if _, err := env.Engine.EditSubtask(env.Ctx, req.ID, dev.ID, []lifecycle.SubtaskEdit{
		{Field: lifecycle.FieldExecutor, Value: "dev-1"},
		{Field: lifecycle.FieldEstimatedEnd, Value: "2024-04-25T12:00:00Z"},
		{Field: lifecycle.FieldStatus, Value: "in-progress"},
	}, "tester"); err != nil {
		t.Fatalf("assign subtask: %v", err)
	}
	items, err := env.Engine.ListAssignments(env.Ctx, repo.AssignmentFilters{ProjectID: "proj-1", ExecutorID: "dev-1"})
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	if len(items) != 1 || items[0].Subtask.ID != dev.ID || items[0].RequirementID != req.ID {
		t.Fatalf("unexpected assignments %+v", items)
	}
	if items[0].Subtask.DelayStatus != domain.DelayLate {
		t.Fatalf("expected late subtask, got %s", items[0].Subtask.DelayStatus)
	}
}
