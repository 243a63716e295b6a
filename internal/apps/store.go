// Package apps is the registered-application store: the CRUD table of
// applications allowed to use the relay, with OAuth-style client id/secret
// credentials. The relay core consults it only when topic access gating is
// enabled.
package apps

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Application status values.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

var (
	// ErrNotFound is returned when no application matches the lookup.
	ErrNotFound = errors.New("application not found")
	// ErrInvalidCredentials is returned by Authenticate for an unknown
	// client id or a wrong secret. The two cases are indistinguishable.
	ErrInvalidCredentials = errors.New("invalid client credentials")
	// ErrNameTaken is returned when the application name already exists.
	ErrNameTaken = errors.New("application name already registered")
)

// App is one registered application.
type App struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domains   []string  `json:"domains"`
	ClientID  string    `json:"clientId"`
	LogoURL   string    `json:"logoUrl,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists registered applications in sqlite. Client secrets are
// bcrypt-hashed at rest and visible only in the Create response.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create registers an application and returns it together with the
// generated client secret. The secret cannot be recovered afterwards.
func (s *Store) Create(ctx context.Context, name string, domains []string, logoURL string) (App, string, error) {
	if name == "" {
		return App{}, "", fmt.Errorf("application name is required")
	}
	if domains == nil {
		domains = []string{}
	}

	secret, err := newClientSecret()
	if err != nil {
		return App{}, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return App{}, "", err
	}

	domainsJSON, err := json.Marshal(domains)
	if err != nil {
		return App{}, "", err
	}

	now := time.Now().UTC()
	app := App{
		ID:        uuid.NewString(),
		Name:      name,
		Domains:   domains,
		ClientID:  uuid.NewString(),
		LogoURL:   logoURL,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registered_apps (id, name, domains, client_id, client_secret_hash, logo_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID, app.Name, string(domainsJSON), app.ClientID, string(hash), app.LogoURL, app.Status, app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return App{}, "", ErrNameTaken
		}
		return App{}, "", fmt.Errorf("failed to create application: %w", err)
	}

	return app, secret, nil
}

// GetByID returns one application.
func (s *Store) GetByID(ctx context.Context, id string) (App, error) {
	return s.get(ctx, "id", id)
}

// GetByClientID returns the application owning a client id.
func (s *Store) GetByClientID(ctx context.Context, clientID string) (App, error) {
	return s.get(ctx, "client_id", clientID)
}

// List returns all registered applications, newest first.
func (s *Store) List(ctx context.Context) ([]App, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, domains, client_id, logo_url, status, created_at, updated_at
		FROM registered_apps ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []App
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

// Delete removes an application. Idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM registered_apps WHERE id = ?`, id)
	return err
}

// SetStatus switches an application between active and disabled.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	if status != StatusActive && status != StatusDisabled {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE registered_apps SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Authenticate checks client credentials and returns the application when
// they match an active registration.
func (s *Store) Authenticate(ctx context.Context, clientID, clientSecret string) (App, error) {
	var hash string
	row := s.db.QueryRowContext(ctx, `
		SELECT client_secret_hash FROM registered_apps WHERE client_id = ?`, clientID)
	if err := row.Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return App{}, ErrInvalidCredentials
		}
		return App{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret)); err != nil {
		return App{}, ErrInvalidCredentials
	}

	app, err := s.GetByClientID(ctx, clientID)
	if err != nil {
		return App{}, err
	}
	if app.Status != StatusActive {
		return App{}, ErrInvalidCredentials
	}
	return app, nil
}

// IsActive reports whether the application exists and is active.
func (s *Store) IsActive(ctx context.Context, id string) (bool, error) {
	app, err := s.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return app.Status == StatusActive, nil
}

func (s *Store) get(ctx context.Context, column, value string) (App, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, name, domains, client_id, logo_url, status, created_at, updated_at
		FROM registered_apps WHERE %s = ?`, column), value)
	app, err := scanApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return App{}, ErrNotFound
	}
	return app, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApp(row rowScanner) (App, error) {
	var app App
	var domainsJSON string
	var logoURL sql.NullString
	err := row.Scan(&app.ID, &app.Name, &domainsJSON, &app.ClientID, &logoURL, &app.Status, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		return App{}, err
	}
	if logoURL.Valid {
		app.LogoURL = logoURL.String
	}
	if err := json.Unmarshal([]byte(domainsJSON), &app.Domains); err != nil {
		return App{}, fmt.Errorf("corrupt domains for application %s: %w", app.ID, err)
	}
	return app, nil
}

func newClientSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
