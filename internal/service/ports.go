package service

import (
	"context"

	"identity-reconciliation/internal/models"
)

// ContactStore is the persistence surface the resolver is written against.
// Every read excludes soft-deleted contacts.
type ContactStore interface {
	// FindByEmailOrPhone returns contacts whose email equals email OR whose
	// phone equals phone. Nil arguments contribute no clause.
	FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]models.Contact, error)
	// FindByLinkageFrontier returns contacts whose linked id is in ids, plus
	// the contacts that members of ids are linked to.
	FindByLinkageFrontier(ctx context.Context, ids []int64) ([]models.Contact, error)
	// FindBySharedIdentity returns contacts carrying any of the given emails or phones.
	FindBySharedIdentity(ctx context.Context, emails, phones []string) ([]models.Contact, error)
	FindByIDs(ctx context.Context, ids []int64) ([]models.Contact, error)
	Insert(ctx context.Context, c models.NewContact) (models.Contact, error)
	UpdatePrecedence(ctx context.Context, id int64, precedence models.LinkPrecedence, linkedID *int64) error
}

// TxManager runs fn inside a single store transaction carried by ctx.
type TxManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker serializes resolves touching the same keys. Lock is called inside
// RunInTx; implementations that tie the lock to the transaction may return a
// no-op release.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (release func(), err error)
}

// EventPublisher receives cluster changes after the transaction commits.
type EventPublisher interface {
	Publish(ctx context.Context, events ...models.Event) error
}
