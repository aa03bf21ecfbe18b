package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"agencyflow/internal/domain"
)

func (r Repo) InsertClient(ctx context.Context, tx *sql.Tx, c domain.Client) error {
	if c.ID == "" || strings.TrimSpace(c.Name) == "" {
		return errors.New("client id and name required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO clients(id,name,activation_email,status,activated_at,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Name, strings.ToLower(strings.TrimSpace(c.ActivationEmail)), c.Status, nullablePtr(c.ActivatedAt), c.CreatedAt)
	return err
}

const clientCols = `id,name,activation_email,status,activated_at,created_at`

func scanClient(row interface{ Scan(...any) error }) (domain.Client, error) {
	var c domain.Client
	var activated sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.ActivationEmail, &c.Status, &activated, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.ActivatedAt = ptrFrom(activated)
	return c, err
}

func (r Repo) GetClient(ctx context.Context, tx *sql.Tx, id string) (domain.Client, error) {
	return scanClient(r.q(tx).QueryRowContext(ctx, `SELECT `+clientCols+` FROM clients WHERE id=?`, id))
}

func (r Repo) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+clientCols+` FROM clients ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r Repo) MarkClientActivated(ctx context.Context, tx *sql.Tx, id, at string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE clients SET status='activated', activated_at=COALESCE(activated_at, ?) WHERE id=?`, at, id)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertProfile(ctx context.Context, tx *sql.Tx, p domain.Profile) error {
	if p.ID == "" || strings.TrimSpace(p.Email) == "" {
		return errors.New("profile id and email required")
	}
	if p.Status == "" {
		p.Status = domain.ProfileInvited
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO profiles(id,email,display_name,roles,status,client_id,linked_email,credential_hash,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, strings.ToLower(strings.TrimSpace(p.Email)), nullable(p.DisplayName), marshalLabels(p.Roles), p.Status,
		nullablePtr(p.ClientID), nullablePtr(p.LinkedEmail), nullablePtr(p.CredentialHash), p.CreatedAt)
	return err
}

const profileCols = `id,email,display_name,roles,status,client_id,linked_email,credential_hash,created_at`

func scanProfile(row interface{ Scan(...any) error }) (domain.Profile, error) {
	var p domain.Profile
	var name, clientID, linked, cred sql.NullString
	var roles string
	err := row.Scan(&p.ID, &p.Email, &name, &roles, &p.Status, &clientID, &linked, &cred, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.DisplayName = name.String
	p.Roles = unmarshalLabels(roles)
	p.ClientID = ptrFrom(clientID)
	p.LinkedEmail = ptrFrom(linked)
	p.CredentialHash = ptrFrom(cred)
	return p, nil
}

func (r Repo) GetProfile(ctx context.Context, tx *sql.Tx, id string) (domain.Profile, error) {
	return scanProfile(r.q(tx).QueryRowContext(ctx, `SELECT `+profileCols+` FROM profiles WHERE id=?`, id))
}

func (r Repo) GetProfileByEmail(ctx context.Context, tx *sql.Tx, email string) (domain.Profile, error) {
	return scanProfile(r.q(tx).QueryRowContext(ctx, `SELECT `+profileCols+` FROM profiles WHERE email=?`, strings.ToLower(strings.TrimSpace(email))))
}

func (r Repo) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+profileCols+` FROM profiles ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearProfileLink resets a profile to unlinked.
func (r Repo) ClearProfileLink(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE profiles SET client_id=NULL, linked_email=NULL WHERE id=?`, id)
	return err
}

func (r Repo) LinkProfile(ctx context.Context, tx *sql.Tx, id, clientID, email string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE profiles SET client_id=?, linked_email=? WHERE id=?`, clientID, strings.ToLower(email), id)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateProfile stores the credential hash and flips the profile to active.
func (r Repo) ActivateProfile(ctx context.Context, tx *sql.Tx, id, credentialHash, displayName string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE profiles SET status='active', credential_hash=?, display_name=COALESCE(?, display_name) WHERE id=?`,
		credentialHash, nullable(displayName), id)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return ErrNotFound
	}
	return nil
}
