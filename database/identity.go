package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/usetally/tally/internal/apierror"
	"github.com/usetally/tally/model"
)

// GetIdentityByVisitor resolves a visitor id to its stitched identity.
// Returns a NOT_FOUND APIError when the visitor has no identity yet.
func (d Datasource) GetIdentityByVisitor(ctx context.Context, tenantID, visitorID string) (*model.StitchedIdentity, error) {
	var identityID string
	err := d.Conn.QueryRowContext(ctx, `
		SELECT identity_id FROM tally.identity_members WHERE tenant_id = $1 AND visitor_id = $2
	`, tenantID, visitorID).Scan(&identityID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No identity for visitor '%s'", visitorID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to resolve visitor identity", err)
	}
	return d.GetIdentity(ctx, tenantID, identityID)
}

// GetIdentity loads an identity together with its member visitor ids.
func (d Datasource) GetIdentity(ctx context.Context, tenantID, identityID string) (*model.StitchedIdentity, error) {
	idn := &model.StitchedIdentity{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT identity_id, tenant_id, merged_at FROM tally.stitched_identities
		WHERE tenant_id = $1 AND identity_id = $2
	`, tenantID, identityID).Scan(&idn.IdentityID, &idn.TenantID, &idn.MergedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Identity with ID '%s' not found", identityID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve identity", err)
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT visitor_id FROM tally.identity_members WHERE tenant_id = $1 AND identity_id = $2 ORDER BY visitor_id
	`, tenantID, identityID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve identity members", err)
	}
	defer rows.Close()

	for rows.Next() {
		var visitorID string
		if err := rows.Scan(&visitorID); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan identity member", err)
		}
		idn.VisitorIDs = append(idn.VisitorIDs, visitorID)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over identity members", err)
	}
	return idn, nil
}

// CreateIdentity inserts a new identity with its initial members. Member
// inserts use ON CONFLICT DO NOTHING so a concurrent resolver run does not
// fail the whole creation.
func (d Datasource) CreateIdentity(ctx context.Context, idn *model.StitchedIdentity) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tally.stitched_identities(identity_id, tenant_id, merged_at) VALUES ($1,$2,$3)
	`, idn.IdentityID, idn.TenantID, idn.MergedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create identity", err)
	}

	for _, visitorID := range idn.VisitorIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tally.identity_members(tenant_id, visitor_id, identity_id) VALUES ($1,$2,$3)
			ON CONFLICT (tenant_id, visitor_id) DO NOTHING
		`, idn.TenantID, visitorID, idn.IdentityID)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to add identity member", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit identity", err)
	}
	return nil
}

// AddVisitorsToIdentity extends an identity's membership. Conflicting rows
// are left alone: a visitor already claimed by another identity is handled
// by MergeIdentities, not here.
func (d Datasource) AddVisitorsToIdentity(ctx context.Context, tenantID, identityID string, visitorIDs []string) error {
	for _, visitorID := range visitorIDs {
		_, err := d.Conn.ExecContext(ctx, `
			INSERT INTO tally.identity_members(tenant_id, visitor_id, identity_id) VALUES ($1,$2,$3)
			ON CONFLICT (tenant_id, visitor_id) DO NOTHING
		`, tenantID, visitorID, identityID)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to add identity member", err)
		}
	}

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE tally.stitched_identities SET merged_at = NOW() WHERE tenant_id = $1 AND identity_id = $2
	`, tenantID, identityID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to touch identity merge time", err)
	}
	return nil
}

// MergeIdentities repoints every member of the losing identities onto the
// winner and deletes the losers, all in one transaction. Running it again
// with the same arguments is a no-op.
func (d Datasource) MergeIdentities(ctx context.Context, tenantID, winnerID string, loserIDs []string) error {
	if len(loserIDs) == 0 {
		return nil
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE tally.identity_members SET identity_id = $1
		WHERE tenant_id = $2 AND identity_id = ANY($3)
	`, winnerID, tenantID, pq.Array(loserIDs))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to repoint identity members", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM tally.stitched_identities WHERE tenant_id = $1 AND identity_id = ANY($2)
	`, tenantID, pq.Array(loserIDs))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete merged identities", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tally.stitched_identities SET merged_at = NOW() WHERE tenant_id = $1 AND identity_id = $2
	`, tenantID, winnerID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to touch identity merge time", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit identity merge", err)
	}
	return nil
}

// GetVisitorsByStrongKeys returns the distinct visitor ids that share any of
// the given strong keys.
func (d Datasource) GetVisitorsByStrongKeys(ctx context.Context, tenantID string, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT DISTINCT visitor_id FROM tally.identity_keys
		WHERE tenant_id = $1 AND strong_key = ANY($2)
		ORDER BY visitor_id
	`, tenantID, pq.Array(keys))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve visitors by strong keys", err)
	}
	defer rows.Close()

	var visitors []string
	for rows.Next() {
		var visitorID string
		if err := rows.Scan(&visitorID); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan visitor id", err)
		}
		visitors = append(visitors, visitorID)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over visitors", err)
	}
	return visitors, nil
}
