package app

import (
	"context"
	"errors"
	"fmt"

	"reqline/internal/config"
	"reqline/internal/engine"
	"reqline/internal/repo"
)

const defaultActor = "local-user"

// ResolveProjectAndConfig picks the active project and returns its stored
// config. It prefers the override, then the only project in the workspace.
// An override naming a missing project creates it with the default config,
// owned by actorID.
func ResolveProjectAndConfig(ctx context.Context, projectOverride, actorID string, e engine.Engine) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := e.Repo.SingleProject(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("no project found; run `rl project init` or pass --project")
			}
			return "", nil, err
		}
		projectID = p.ID
	}

	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = defaultActor
		}
		if _, err := e.InitProject(ctx, projectID, "", actorID, config.Default(projectID)); err != nil {
			return "", nil, fmt.Errorf("create project %s: %w", projectID, err)
		}
	}
	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return "", nil, err
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
