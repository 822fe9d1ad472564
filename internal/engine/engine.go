package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"reqline/internal/config"
	"reqline/internal/domain"
	"reqline/internal/engine/auth"
	"reqline/internal/events"
	"reqline/internal/lifecycle"
	"reqline/internal/repo"
	"reqline/internal/telemetry"
)

var (
	// ErrInvalidInput wraps caller mistakes in engine options.
	ErrInvalidInput = errors.New("invalid input")
	// ErrReviewGateClosed is returned when a version is assigned to a
	// requirement whose overall review is not approved.
	ErrReviewGateClosed = errors.New("review gate not approved")
)

// GateClosedError carries the overall review that refused a version.
type GateClosedError struct {
	RequirementID string
	OverallReview domain.OverallReview
}

func (e GateClosedError) Error() string {
	return fmt.Sprintf("%s: requirement %s is %s", ErrReviewGateClosed, e.RequirementID, e.OverallReview)
}

func (e GateClosedError) Unwrap() error { return ErrReviewGateClosed }

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Auth      auth.Service
	Logger    *slog.Logger
	Telemetry telemetry.Instruments
	Now       func() time.Time
	NewID     func() string
	// Workers bounds RecomputeAll concurrency; 0 means 4.
	Workers int
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{},
		Config:    cfg,
		Auth:      auth.Service{DB: db},
		Logger:    slog.Default(),
		Telemetry: telemetry.NewInstruments(),
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// InitProject creates a project, stores its config (the default when cfg is
// nil), syncs the config's roles and makes actorID the project owner.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string, cfg *config.Config) (domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return domain.Project{}, invalid("project id is required")
	}
	if actorID == "" {
		return domain.Project{}, invalid("actor is required")
	}
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	ctx, end := e.Telemetry.Start(ctx, "project.init")
	now := e.now().Format(time.RFC3339)
	p := domain.Project{
		ID:          projectID,
		Kind:        config.ProjectKind,
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	err := e.Repo.RunInTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
			return fmt.Errorf("insert project config: %w", err)
		}
		if err := e.syncRoles(ctx, tx, cfg); err != nil {
			return err
		}
		if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
			return fmt.Errorf("ensure actor: %w", err)
		}
		if err := e.Repo.AssignRole(ctx, tx, p.ID, actorID, "owner", now); err != nil {
			return fmt.Errorf("assign owner: %w", err)
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.ProjectInit, ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: actorID,
			Payload: events.Payload{"status": p.Status},
		})
	})
	end(err)
	if err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project initialized", "project", p.ID, "actor", actorID)
	return p, nil
}

// UpdateProject sets the project status and/or description. byActor needs
// project.admin.
func (e Engine) UpdateProject(ctx context.Context, projectID, status string, description *string, byActor string) (domain.Project, error) {
	switch status {
	case "", "active", "archived":
	default:
		return domain.Project{}, invalid("project status %q", status)
	}
	var p domain.Project
	err := e.Repo.RunInTx(ctx, func(tx *sql.Tx) error {
		if err := e.Auth.Require(ctx, tx, projectID, byActor, auth.PermProjectAdmin); err != nil {
			return err
		}
		if err := e.Repo.UpdateProject(ctx, tx, projectID, status, description); err != nil {
			return err
		}
		var err error
		if p, err = e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.ProjectUpdate, ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: byActor,
			Payload: events.Payload{"status": p.Status, "description": p.Description},
		})
	})
	return p, err
}

// ImportConfig replaces the stored project config and syncs its roles.
// actorID needs project.admin.
func (e Engine) ImportConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return invalid("config is required")
	}
	ctx, end := e.Telemetry.Start(ctx, "project.config.import")
	err := e.Repo.RunInTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
			return err
		}
		if err := e.Auth.Require(ctx, tx, projectID, actorID, auth.PermProjectAdmin); err != nil {
			return err
		}
		if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
			return err
		}
		if err := e.syncRoles(ctx, tx, cfg); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.ProjectConfig, ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: actorID,
			Payload: events.Payload{"review_levels": cfg.ReviewLevels(), "templates": len(cfg.Templates.Subtasks)},
		})
	})
	end(err)
	return err
}

func (e Engine) syncRoles(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	for roleID, role := range cfg.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("insert role %s: %w", roleID, err)
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return fmt.Errorf("insert permission %s: %w", perm, err)
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return fmt.Errorf("grant %s to role %s: %w", perm, roleID, err)
			}
		}
	}
	return nil
}

// GrantRole gives actorID a role in the project. byActor needs project.admin.
func (e Engine) GrantRole(ctx context.Context, projectID, actorID, roleID, byActor string) error {
	ctx, end := e.Telemetry.Start(ctx, "rbac.grant")
	err := e.Repo.RunInTx(ctx, func(tx *sql.Tx) error {
		if err := e.Auth.Require(ctx, tx, projectID, byActor, auth.PermProjectAdmin); err != nil {
			return err
		}
		now := e.now().Format(time.RFC3339)
		if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, projectID, actorID, roleID, now); err != nil {
			return fmt.Errorf("assign role %s: %w", roleID, err)
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.RoleGrant, ProjectID: projectID, EntityKind: "actor", EntityID: actorID, ActorID: byActor,
			Payload: events.Payload{"role": roleID},
		})
	})
	end(err)
	return err
}

func (e Engine) RevokeRole(ctx context.Context, projectID, actorID, roleID, byActor string) error {
	ctx, end := e.Telemetry.Start(ctx, "rbac.revoke")
	err := e.Repo.RunInTx(ctx, func(tx *sql.Tx) error {
		if err := e.Auth.Require(ctx, tx, projectID, byActor, auth.PermProjectAdmin); err != nil {
			return err
		}
		if err := e.Repo.RevokeRole(ctx, tx, projectID, actorID, roleID); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.RoleRevoke, ProjectID: projectID, EntityKind: "actor", EntityID: actorID, ActorID: byActor,
			Payload: events.Payload{"role": roleID},
		})
	})
	end(err)
	return err
}

// CreateAPIKey issues a new key for actorID and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, byActor string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, invalid("actor is required")
	}
	plain := "rl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        e.newID(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().Format(time.RFC3339),
	}
	err := e.Repo.RunInTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
			return err
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.APIKeyCreate, EntityKind: "api_key", EntityID: key.ID, ActorID: byActor,
			Payload: events.Payload{"actor_id": actorID, "name": name},
		})
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// ProjectConfig returns the stored config of projectID. The engine's own
// config is used only when nothing is stored yet, else the default.
func (e Engine) ProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	return e.configOrFallback(projectID, cfg, err)
}

func (e Engine) projectConfig(ctx context.Context, tx *sql.Tx, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfigTx(ctx, tx, projectID)
	return e.configOrFallback(projectID, cfg, err)
}

func (e Engine) configOrFallback(projectID string, cfg *config.Config, err error) (*config.Config, error) {
	if !errors.Is(err, repo.ErrNotFound) {
		return cfg, err
	}
	if e.Config != nil && e.Config.Project.ID == projectID {
		return e.Config, nil
	}
	return config.Default(projectID), nil
}

// Classify reports the phase the project's classifier assigns to name.
func (e Engine) Classify(ctx context.Context, projectID, name string) (domain.Phase, error) {
	if projectID == "" {
		return lifecycle.Classify(name), nil
	}
	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return "", err
	}
	return cfg.Classifier().Classify(name), nil
}
