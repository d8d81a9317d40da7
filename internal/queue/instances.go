package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/books_bridge/internal/db"
)

// ErrInstanceNotFound is returned for instances that were never registered
var ErrInstanceNotFound = errors.New("books instance not registered")

// Instances is the registry of Books instances in books_instance
type Instances struct {
	db db.PgxIface
}

// NewInstances creates the registry
func NewInstances(conn db.PgxIface) *Instances {
	return &Instances{db: conn}
}

// Register adds an enabled instance. It reports false when it was known already.
func (r *Instances) Register(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("instance name is empty")
	}
	tag, err := r.db.Exec(ctx,
		`INSERT INTO books_instance (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return false, fmt.Errorf("failed to register instance %q: %w", name, err)
	}
	created := tag.RowsAffected() > 0
	if created {
		logrus.WithField("instance", name).Info("Registered Books instance")
	}
	return created, nil
}

// SetEnabled switches an instance on or off
func (r *Instances) SetEnabled(ctx context.Context, name string, enabled bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE books_instance SET enabled = $2 WHERE name = $1`, name, enabled)
	if err != nil {
		return fmt.Errorf("failed to update instance %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrInstanceNotFound, name)
	}
	return nil
}

// Enabled lists the enabled instances by name
func (r *Instances) Enabled(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT name FROM books_instance WHERE enabled ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("error scanning instance: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return names, nil
}

// IsEnabled reports whether name is registered and enabled
func (r *Instances) IsEnabled(ctx context.Context, name string) (bool, error) {
	var enabled bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM books_instance WHERE name = $1 AND enabled)`, name).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("failed to check instance %q: %w", name, err)
	}
	return enabled, nil
}
