package reqlinesdk_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqline/internal/config"
	"reqline/internal/db"
	"reqline/internal/engine"
	"reqline/internal/migrate"
	"reqline/internal/server"
	reqlinesdk "reqline/sdk/go"
)

const projectID = "sdk"

type fixture struct {
	url  string
	keys map[string]string
}

func newFixture(t *testing.T, actors ...string) fixture {
	t.Helper()
	ctx := context.Background()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))

	cfg := config.Default(projectID)
	e := engine.New(conn, cfg)
	_, err = e.InitProject(ctx, projectID, "", "owner", cfg)
	require.NoError(t, err)

	keys := map[string]string{}
	for _, actor := range append([]string{"owner"}, actors...) {
		plain, _, err := e.CreateAPIKey(ctx, actor, "sdk test", "owner")
		require.NoError(t, err)
		keys[actor] = plain
	}

	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return fixture{url: srv.URL, keys: keys}
}

func (f fixture) client(actor string) *reqlinesdk.Client {
	c := reqlinesdk.New(f.url, projectID)
	c.APIKey = f.keys[actor]
	return c
}

func TestClientReviewGateFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "rev1")
	owner := f.client("owner")

	req, err := owner.CreateRequirement(ctx, reqlinesdk.NewRequirement{
		Title:        "Export to CSV",
		ReviewLevels: 1,
		Reviewer1:    "rev1",
		Subtasks:     []string{"Frontend development", "Testing"},
	})
	require.NoError(t, err)
	require.Len(t, req.Subtasks, 2)
	assert.Equal(t, "awaiting-prototype", req.AggregateStatus)
	assert.Nil(t, req.ReviewLevel2)

	_, err = owner.AssignVersion(ctx, req.ID, "v1.0")
	require.Error(t, err)
	assert.True(t, reqlinesdk.IsReviewGateClosed(err))

	pending, err := f.client("rev1").PendingReviews(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	reviewed, err := f.client("rev1").SetReview(ctx, req.ID, 1, "approved", "ship it")
	require.NoError(t, err)
	assert.Equal(t, "approved", reviewed.OverallReview)

	planned, err := owner.AssignVersion(ctx, req.ID, "v1.0")
	require.NoError(t, err)
	require.NotNil(t, planned.PlannedVersion)
	assert.Equal(t, "v1.0", *planned.PlannedVersion)

	edited, err := owner.EditSubtask(ctx, req.ID, req.Subtasks[0].ID, map[string]string{"status": "in-progress"})
	require.NoError(t, err)
	assert.Equal(t, "development-in-progress", edited.AggregateStatus)

	got, err := owner.GetRequirement(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, edited.AggregateStatus, got.AggregateStatus)

	items, err := owner.ListRequirements(ctx, "development-in-progress")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	events, err := owner.Events(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "subtask.edit", events[0].Type)
}

func TestClientStatusSkipsEmptyPhases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.client("owner")

	req, err := owner.CreateRequirement(ctx, reqlinesdk.NewRequirement{
		Title:    "Audit log",
		Subtasks: []string{"Backend development", "Regression testing"},
	})
	require.NoError(t, err)
	require.Len(t, req.Subtasks, 2)
	assert.Equal(t, "awaiting-prototype", req.AggregateStatus)

	done, err := owner.EditSubtask(ctx, req.ID, req.Subtasks[0].ID, map[string]string{"status": "completed"})
	require.NoError(t, err)
	assert.Equal(t, "awaiting-testing", done.AggregateStatus)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.client("owner").GetRequirement(ctx, "missing")
	var apiErr *reqlinesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)

	anon := reqlinesdk.New(f.url, projectID)
	_, err = anon.Classify(ctx, "Regression testing")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)

	phase, err := f.client("owner").Classify(ctx, "Regression testing")
	require.NoError(t, err)
	assert.Equal(t, "testing", phase)
}
