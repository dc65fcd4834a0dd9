package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"collabhub/pkg/types"
)

// Project is a construction project record.
type Project struct {
	ID      string
	Name    string
	OwnerID string
}

// Sheet is a spreadsheet belonging to a project.
type Sheet struct {
	ID        string
	ProjectID string
	OwnerID   string
	Name      string
}

// CheckAccess decides whether identityID may use a project or sheet at level
// FUNCTIONAL DISCOVERY: The granted level is resolved first and then compared,
// so every rule below only has to answer "what level does this user hold"
//   - role admin: everything
//   - project: owner is admin, members hold their member level
//   - sheet: owner is admin, collaborators hold their level, anyone else
//     falls back to the level they hold on the sheet's project
//   - role viewer: whatever was granted is capped at view
func (m *Manager) CheckAccess(ctx context.Context, identityID, role string, kind types.RoomKind, resourceID string, level types.AccessLevel) (types.AccessDecision, error) {
	if role == types.RoleAdmin {
		return types.AccessDecision{Allowed: true}, nil
	}

	var (
		granted types.AccessLevel
		found   bool
		err     error
	)
	switch kind {
	case types.RoomProject:
		granted, found, err = m.projectLevel(ctx, identityID, resourceID)
	case types.RoomSheet:
		granted, found, err = m.sheetLevel(ctx, identityID, resourceID)
	default:
		return types.AccessDecision{Reason: fmt.Sprintf("unknown resource kind %q", kind)}, nil
	}
	if err != nil {
		return types.AccessDecision{}, err
	}
	if !found {
		return types.AccessDecision{Reason: fmt.Sprintf("%s %s not found", kind, resourceID)}, nil
	}

	if role == types.RoleViewer && granted.Rank() > types.LevelView.Rank() {
		granted = types.LevelView
	}
	if granted == "" {
		return types.AccessDecision{Reason: fmt.Sprintf("no access to %s %s", kind, resourceID)}, nil
	}
	if !granted.Allows(level) {
		return types.AccessDecision{Reason: fmt.Sprintf("%s access required, %s granted", level, granted)}, nil
	}
	return types.AccessDecision{Allowed: true}, nil
}

// projectLevel returns the level identityID holds on a project, empty when
// none, and found=false when the project does not exist.
func (m *Manager) projectLevel(ctx context.Context, identityID, projectID string) (types.AccessLevel, bool, error) {
	var ownerID string
	var member sql.NullString
	err := m.db.QueryRowContext(ctx, `
		SELECT p.owner_id, pm.level
		FROM projects p
		LEFT JOIN project_members pm ON pm.project_id = p.id AND pm.user_id = ?
		WHERE p.id = ?
	`, identityID, projectID).Scan(&ownerID, &member)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query project access: %w", err)
	}

	if ownerID == identityID {
		return types.LevelAdmin, true, nil
	}
	return types.AccessLevel(member.String), true, nil
}

func (m *Manager) sheetLevel(ctx context.Context, identityID, sheetID string) (types.AccessLevel, bool, error) {
	var projectID, ownerID string
	var collaborator sql.NullString
	err := m.db.QueryRowContext(ctx, `
		SELECT s.project_id, s.owner_id, sc.level
		FROM sheets s
		LEFT JOIN sheet_collaborators sc ON sc.sheet_id = s.id AND sc.user_id = ?
		WHERE s.id = ?
	`, identityID, sheetID).Scan(&projectID, &ownerID, &collaborator)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query sheet access: %w", err)
	}

	switch {
	case ownerID == identityID:
		return types.LevelAdmin, true, nil
	case collaborator.Valid:
		return types.AccessLevel(collaborator.String), true, nil
	}

	level, _, err := m.projectLevel(ctx, identityID, projectID)
	if err != nil {
		return "", false, err
	}
	return level, true, nil
}

// CreateUser inserts or replaces a user record.
func (m *Manager) CreateUser(ctx context.Context, identity *types.Identity) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, name, role, active) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role, active = excluded.active
		`, identity.ID, identity.Name, identity.Role, identity.Active)
		if err != nil {
			return fmt.Errorf("failed to upsert user %s: %w", identity.ID, err)
		}
		return nil
	})
}

// CreateProject inserts a project.
func (m *Manager) CreateProject(ctx context.Context, project *Project) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `INSERT INTO projects (id, name, owner_id) VALUES (?, ?, ?)`,
			project.ID, project.Name, project.OwnerID)
		if err != nil {
			return fmt.Errorf("failed to insert project %s: %w", project.ID, err)
		}
		return nil
	})
}

// AddProjectMember grants userID level on a project, replacing any earlier grant.
func (m *Manager) AddProjectMember(ctx context.Context, projectID, userID string, level types.AccessLevel) error {
	if !level.IsValid() {
		return ErrInvalidLevel
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO project_members (project_id, user_id, level) VALUES (?, ?, ?)
			ON CONFLICT(project_id, user_id) DO UPDATE SET level = excluded.level
		`, projectID, userID, string(level))
		if err != nil {
			return fmt.Errorf("failed to add member %s to project %s: %w", userID, projectID, err)
		}
		return nil
	})
}

// CreateSheet inserts a sheet.
func (m *Manager) CreateSheet(ctx context.Context, sheet *Sheet) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `INSERT INTO sheets (id, project_id, owner_id, name) VALUES (?, ?, ?, ?)`,
			sheet.ID, sheet.ProjectID, sheet.OwnerID, sheet.Name)
		if err != nil {
			return fmt.Errorf("failed to insert sheet %s: %w", sheet.ID, err)
		}
		return nil
	})
}

// AddSheetCollaborator grants userID level on a sheet, replacing any earlier grant.
func (m *Manager) AddSheetCollaborator(ctx context.Context, sheetID, userID string, level types.AccessLevel) error {
	if !level.IsValid() {
		return ErrInvalidLevel
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sheet_collaborators (sheet_id, user_id, level) VALUES (?, ?, ?)
			ON CONFLICT(sheet_id, user_id) DO UPDATE SET level = excluded.level
		`, sheetID, userID, string(level))
		if err != nil {
			return fmt.Errorf("failed to add collaborator %s to sheet %s: %w", userID, sheetID, err)
		}
		return nil
	})
}
