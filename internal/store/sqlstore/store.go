// Package sqlstore implements the contact store over database/sql. Queries are
// built with squirrel using $n placeholders, which both go-sqlite3 and lib/pq accept.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"identity-reconciliation/internal/database"
	"identity-reconciliation/internal/models"
	"identity-reconciliation/internal/store"
)

const contactsTable = "contacts"

var contactColumns = []string{
	"id", "phone_number", "email", "linked_id", "link_precedence", "created_at", "updated_at", "deleted_at",
}

var live = sq.Eq{"deleted_at": nil}

// Store persists contacts in a SQL database.
type Store struct {
	db  *sql.DB
	sb  sq.StatementBuilderType
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store on db. Calls made with a context carrying a transaction
// (see database.WithTx) run inside it.
func New(db *database.DB, opts ...Option) *Store {
	s := &Store{
		db:  db.Conn,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) selectContacts() sq.SelectBuilder {
	return s.sb.Select(contactColumns...).From(contactsTable)
}

// FindByEmailOrPhone returns live contacts matching either supplied field.
func (s *Store) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]models.Contact, error) {
	var match sq.Or
	if email != nil {
		match = append(match, sq.Eq{"email": *email})
	}
	if phone != nil {
		match = append(match, sq.Eq{"phone_number": *phone})
	}
	if len(match) == 0 {
		return []models.Contact{}, nil
	}

	return s.query(ctx, "find by email or phone", s.selectContacts().Where(sq.And{live, match}))
}

// FindByLinkageFrontier returns live contacts whose linked_id is in ids, and
// the live contacts that members of ids link to.
func (s *Store) FindByLinkageFrontier(ctx context.Context, ids []int64) ([]models.Contact, error) {
	if len(ids) == 0 {
		return []models.Contact{}, nil
	}

	targets, targetArgs, err := sq.Select("linked_id").
		From(contactsTable).
		Where(sq.And{sq.Eq{"id": ids}, sq.NotEq{"linked_id": nil}}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build linkage subquery: %w", err)
	}

	q := s.selectContacts().Where(sq.And{
		live,
		sq.Or{
			sq.Eq{"linked_id": ids},
			sq.Expr("id IN ("+targets+")", targetArgs...),
		},
	})
	return s.query(ctx, "find by linkage frontier", q)
}

// FindBySharedIdentity returns live contacts carrying any of the values.
func (s *Store) FindBySharedIdentity(ctx context.Context, emails, phones []string) ([]models.Contact, error) {
	var match sq.Or
	if len(emails) > 0 {
		match = append(match, sq.Eq{"email": emails})
	}
	if len(phones) > 0 {
		match = append(match, sq.Eq{"phone_number": phones})
	}
	if len(match) == 0 {
		return []models.Contact{}, nil
	}

	return s.query(ctx, "find by shared identity", s.selectContacts().Where(sq.And{live, match}))
}

// FindByIDs returns the live contacts among ids.
func (s *Store) FindByIDs(ctx context.Context, ids []int64) ([]models.Contact, error) {
	if len(ids) == 0 {
		return []models.Contact{}, nil
	}
	return s.query(ctx, "find by ids", s.selectContacts().Where(sq.And{live, sq.Eq{"id": ids}}))
}

// Insert creates a contact and returns it with its assigned id.
func (s *Store) Insert(ctx context.Context, nc models.NewContact) (models.Contact, error) {
	now := s.now()

	query, args, err := s.sb.Insert(contactsTable).
		Columns("phone_number", "email", "linked_id", "link_precedence", "created_at", "updated_at").
		Values(nc.PhoneNumber, nc.Email, nc.LinkedID, string(nc.LinkPrecedence), now, now).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return models.Contact{}, fmt.Errorf("build insert: %w", err)
	}

	var id int64
	if err := database.QuerierFromCtx(ctx, s.db).QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return models.Contact{}, mapError(err, "insert contact")
	}

	return models.Contact{
		ID:             id,
		PhoneNumber:    nc.PhoneNumber,
		Email:          nc.Email,
		LinkedID:       nc.LinkedID,
		LinkPrecedence: nc.LinkPrecedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// UpdatePrecedence updates a live contact's link_precedence and linked_id.
func (s *Store) UpdatePrecedence(ctx context.Context, id int64, precedence models.LinkPrecedence, linkedID *int64) error {
	query, args, err := s.sb.Update(contactsTable).
		Set("link_precedence", string(precedence)).
		Set("linked_id", linkedID).
		Set("updated_at", s.now()).
		Where(sq.And{sq.Eq{"id": id}, live}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	res, err := database.QuerierFromCtx(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err, "update contact precedence")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(err, "update contact precedence")
	}
	if n == 0 {
		return fmt.Errorf("update contact %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// SoftDelete marks a contact deleted. It is an administrative operation; the
// resolver never calls it.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	now := s.now()
	query, args, err := s.sb.Update(contactsTable).
		Set("deleted_at", now).
		Set("updated_at", now).
		Where(sq.And{sq.Eq{"id": id}, live}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build soft delete: %w", err)
	}

	res, err := database.QuerierFromCtx(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err, "soft delete contact")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("soft delete contact %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) query(ctx context.Context, op string, b sq.SelectBuilder) ([]models.Contact, error) {
	query, args, err := b.OrderBy("created_at ASC", "id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", op, err)
	}

	rows, err := database.QuerierFromCtx(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, op)
	}
	defer rows.Close()

	contacts := []models.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, mapError(err, op)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, op)
	}
	return contacts, nil
}

func scanContact(rows *sql.Rows) (models.Contact, error) {
	var (
		c          models.Contact
		phone      sql.NullString
		email      sql.NullString
		linkedID   sql.NullInt64
		precedence string
		deletedAt  sql.NullTime
	)

	if err := rows.Scan(&c.ID, &phone, &email, &linkedID, &precedence, &c.CreatedAt, &c.UpdatedAt, &deletedAt); err != nil {
		return models.Contact{}, err
	}

	c.LinkPrecedence = models.LinkPrecedence(precedence)
	if phone.Valid {
		c.PhoneNumber = &phone.String
	}
	if email.Valid {
		c.Email = &email.String
	}
	if linkedID.Valid {
		c.LinkedID = &linkedID.Int64
	}
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.Time
	}
	return c, nil
}

// mapError keeps context errors intact and tags connection failures as store.ErrUnavailable.
func mapError(err error, op string) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, sql.ErrTxDone):
		return fmt.Errorf("%s: %w", op, errors.Join(store.ErrUnavailable, err))
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
