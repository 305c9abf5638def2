package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opspulse/oncall/db"
)

// TeamService is the user/team directory. The engine uses it to expand
// team targets into members and to fetch contact details at dispatch time.
type TeamService struct {
	PG *sql.DB
}

func NewTeamService(pg *sql.DB) *TeamService {
	return &TeamService{PG: pg}
}

func (s *TeamService) CreateTeam(projectID, name string) (db.Team, error) {
	team := db.Team{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      name,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	_, err := s.PG.Exec(`
		INSERT INTO teams (id, project_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		team.ID, team.ProjectID, team.Name, team.CreatedAt, team.UpdatedAt)
	if err != nil {
		return team, fmt.Errorf("failed to create team: %w", err)
	}
	return team, nil
}

func (s *TeamService) AddMember(teamID, userID string) error {
	_, err := s.PG.Exec(`
		INSERT INTO team_members (team_id, user_id, added_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (team_id, user_id) DO NOTHING`,
		teamID, userID)
	if err != nil {
		return fmt.Errorf("failed to add team member: %w", err)
	}
	return nil
}

func (s *TeamService) RemoveMember(teamID, userID string) error {
	_, err := s.PG.Exec(`DELETE FROM team_members WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove team member: %w", err)
	}
	return nil
}

// MembersOf returns the current member IDs of a team. Inactive users are
// excluded so a disabled account never gets paged.
func (s *TeamService) MembersOf(teamID string) ([]string, error) {
	rows, err := s.PG.Query(`
		SELECT tm.user_id
		FROM team_members tm
		JOIN users u ON u.id = tm.user_id
		WHERE tm.team_id = $1 AND u.is_active = true
		ORDER BY tm.added_at ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to query team members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan team member: %w", err)
		}
		members = append(members, userID)
	}
	return members, nil
}

func (s *TeamService) GetUser(userID string) (db.User, error) {
	var user db.User
	err := s.PG.QueryRow(`
		SELECT id, name, email, COALESCE(phone, ''), role, COALESCE(fcm_token, ''), is_active, created_at, updated_at
		FROM users
		WHERE id = $1`, userID).Scan(
		&user.ID, &user.Name, &user.Email, &user.Phone, &user.Role,
		&user.FCMToken, &user.IsActive, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return user, fmt.Errorf("user not found: %s", userID)
		}
		return user, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// RoleOf returns the user's role for authorization checks.
func (s *TeamService) RoleOf(userID string) (string, error) {
	var role string
	err := s.PG.QueryRow(`SELECT role FROM users WHERE id = $1 AND is_active = true`, userID).Scan(&role)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("user not found or inactive: %s", userID)
		}
		return "", fmt.Errorf("failed to get user role: %w", err)
	}
	return role, nil
}
