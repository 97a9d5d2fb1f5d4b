package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rbacgate"
)

// SQLIdentityStore persists users and their session tokens in SQL (squealx).
type SQLIdentityStore struct {
	db *squealx.DB
}

func NewSQLIdentityStore(db *squealx.DB) *SQLIdentityStore {
	return &SQLIdentityStore{db: db}
}

func (s *SQLIdentityStore) PutUser(ctx context.Context, p *rbacgate.Principal, token string) error {
	q := `INSERT INTO rbac_users(id, role, email, email_verified, two_factor_verified, session_token)
		VALUES(:id, :role, :email, :email_verified, :two_factor_verified, :session_token)
		ON CONFLICT(id) DO UPDATE SET role=excluded.role, email=excluded.email,
			email_verified=excluded.email_verified, two_factor_verified=excluded.two_factor_verified,
			session_token=COALESCE(excluded.session_token, rbac_users.session_token)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                  p.ID,
		"role":                string(p.Role),
		"email":               p.Email,
		"email_verified":      boolToInt(p.EmailVerified),
		"two_factor_verified": boolToInt(p.TwoFactorVerified),
		"session_token":       nullIfEmpty(token),
	})
	if err != nil {
		return fmt.Errorf("put user %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLIdentityStore) DeleteUser(ctx context.Context, userID string) error {
	q := `DELETE FROM rbac_users WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": userID})
	return err
}

func (s *SQLIdentityStore) GetRole(ctx context.Context, userID string) (rbacgate.Role, error) {
	q := `SELECT role FROM rbac_users WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": userID})
	if err != nil {
		return "", fmt.Errorf("role lookup %s: %w", userID, err)
	}
	defer r.Close()
	if !r.Next() {
		return "", rbacgate.ErrNotFound
	}
	var role string
	if err := r.Scan(&role); err != nil {
		return "", fmt.Errorf("scan role %s: %w", userID, err)
	}
	return rbacgate.Role(role), nil
}

func (s *SQLIdentityStore) ResolveIdentity(ctx context.Context, req *rbacgate.Request) (*rbacgate.Principal, error) {
	token := bearerToken(req)
	if token == "" {
		return nil, nil
	}
	q := `SELECT id, role, email, email_verified, two_factor_verified FROM rbac_users WHERE session_token = :token`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"token": token})
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	defer r.Close()
	if !r.Next() {
		return nil, nil
	}
	var (
		id, role, email     string
		verified, twoFactor int
	)
	if err := r.Scan(&id, &role, &email, &verified, &twoFactor); err != nil {
		return nil, fmt.Errorf("scan session user: %w", err)
	}
	return &rbacgate.Principal{
		ID:                id,
		Role:              rbacgate.Role(role),
		Email:             email,
		EmailVerified:     verified != 0,
		TwoFactorVerified: twoFactor != 0,
	}, nil
}

// SQLMembershipStore keeps project teams in SQL (squealx).
type SQLMembershipStore struct {
	db *squealx.DB
}

func NewSQLMembershipStore(db *squealx.DB) *SQLMembershipStore {
	return &SQLMembershipStore{db: db}
}

func (s *SQLMembershipStore) AddMember(ctx context.Context, projectID, userID string) error {
	q := `INSERT OR IGNORE INTO rbac_project_members(project_id, user_id) VALUES(:project_id, :user_id)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"project_id": projectID, "user_id": userID})
	return err
}

func (s *SQLMembershipStore) RemoveMember(ctx context.Context, projectID, userID string) error {
	q := `DELETE FROM rbac_project_members WHERE project_id = :project_id AND user_id = :user_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"project_id": projectID, "user_id": userID})
	return err
}

func (s *SQLMembershipStore) IsTeamMember(ctx context.Context, userID, projectID string) (bool, error) {
	q := `SELECT 1 FROM rbac_project_members WHERE project_id = :project_id AND user_id = :user_id LIMIT 1`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"project_id": projectID, "user_id": userID})
	if err != nil {
		return false, fmt.Errorf("team lookup %s: %w", projectID, err)
	}
	defer r.Close()
	return r.Next(), nil
}

// SQLAuditSink persists audit records in SQL (squealx).
type SQLAuditSink struct {
	db *squealx.DB
}

func NewSQLAuditSink(db *squealx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

func (s *SQLAuditSink) Log(ctx context.Context, rec *rbacgate.AuditRecord) error {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaB, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	q := `INSERT INTO rbac_audit_log(id, user_id, role, action, resource_path, resource_id, client_key, outcome, metadata_json, created_at)
		VALUES(:id, :user_id, :role, :action, :resource_path, :resource_id, :client_key, :outcome, :metadata_json, :created_at)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            rec.ID,
		"user_id":       rec.UserID,
		"role":          string(rec.Role),
		"action":        rec.Action,
		"resource_path": rec.ResourcePath,
		"resource_id":   rec.ResourceID,
		"client_key":    rec.ClientKey,
		"outcome":       rec.Outcome,
		"metadata_json": string(metaB),
		"created_at":    formatSQLTime(rec.Timestamp),
	})
	if err != nil {
		return fmt.Errorf("insert audit record %s: %w", rec.ID, err)
	}
	return nil
}

// Query returns matching records oldest first, at most 100 unless
// filter.Limit says otherwise.
func (s *SQLAuditSink) Query(ctx context.Context, filter rbacgate.AuditFilter) ([]*rbacgate.AuditRecord, error) {
	q := `SELECT id, user_id, role, action, resource_path, resource_id, client_key, outcome, metadata_json, created_at FROM rbac_audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if filter.ResourcePath != "" {
		q += " AND resource_path = :resource_path"
		params["resource_path"] = filter.ResourcePath
	}
	if filter.Outcome != "" {
		q += " AND outcome = :outcome"
		params["outcome"] = filter.Outcome
	}
	if !filter.StartTime.IsZero() {
		q += " AND created_at >= :start"
		params["start"] = formatSQLTime(filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		q += " AND created_at <= :end"
		params["end"] = formatSQLTime(filter.EndTime)
	}
	q += " ORDER BY created_at, id"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT :limit"
	params["limit"] = limit

	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer r.Close()
	out := make([]*rbacgate.AuditRecord, 0)
	for r.Next() {
		var (
			rec          rbacgate.AuditRecord
			role, metaJS string
			createdRaw   any
		)
		if err := r.Scan(&rec.ID, &rec.UserID, &role, &rec.Action, &rec.ResourcePath, &rec.ResourceID,
			&rec.ClientKey, &rec.Outcome, &metaJS, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Role = rbacgate.Role(role)
		rec.Timestamp = scanTime(createdRaw)
		if metaJS != "" && metaJS != "{}" {
			_ = json.Unmarshal([]byte(metaJS), &rec.Metadata)
		}
		out = append(out, &rec)
	}
	return out, nil
}
