package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const writerIdentity = "ingest-service"

// ConstraintError marks a persistence failure scoped to one row: the message
// is logged and skipped, the rest of the batch continues.
type ConstraintError struct {
	reason error
}

func (e ConstraintError) Error() string {
	return e.reason.Error()
}

func (e ConstraintError) Unwrap() error {
	return e.reason
}

func IsConstraintError(err error) bool {
	var ce ConstraintError
	return errors.As(err, &ce)
}

// ConnectivityError marks a store-level failure: nothing row-specific went
// wrong, so the batch must not checkpoint and will be redelivered.
type ConnectivityError struct {
	reason error
}

func (e ConnectivityError) Error() string {
	return e.reason.Error()
}

func (e ConnectivityError) Unwrap() error {
	return e.reason
}

func IsConnectivityError(err error) bool {
	var ce ConnectivityError
	return errors.As(err, &ce)
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema migrates the scans table and (re)creates the non-deleted view
// used by downstream reporting.
func (r *Repository) EnsureSchema() error {
	if err := r.db.AutoMigrate(&PersistedScan{}); err != nil {
		return err
	}
	return r.db.Exec(activeScanViewDDL()).Error
}

func activeScanViewDDL() string {
	return fmt.Sprintf(
		"CREATE OR REPLACE VIEW %s AS SELECT * FROM %s WHERE is_deleted = false ORDER BY created_on DESC",
		ActiveScanView, PersistedScan{}.TableName(),
	)
}

// Insert persists one scan in its own transaction, so a failure affects only
// that message. The row id is generated here; there is no idempotency key
// guarding duplicates under redelivery.
func (r *Repository) Insert(ctx context.Context, row *PersistedScan) error {
	now := time.Now().UTC()
	row.ID = uuid.New().String()
	row.CreatedOn = now
	row.CreatedBy = writerIdentity
	row.UpdatedOn = now
	row.UpdatedBy = writerIdentity

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(row).Error
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// Recent reads the newest non-deleted rows through the view.
func (r *Repository) Recent(ctx context.Context, limit int) ([]PersistedScan, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []PersistedScan
	err := r.db.WithContext(ctx).
		Table(ActiveScanView).
		Order("created_on DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

// classify splits persistence failures into row-scoped constraint errors and
// store-level connectivity errors. GORM's translated errors cover the
// constraint family; anything else is treated as the store being unreachable.
func classify(err error) error {
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey),
		errors.Is(err, gorm.ErrForeignKeyViolated),
		errors.Is(err, gorm.ErrCheckConstraintViolated),
		errors.Is(err, gorm.ErrInvalidData),
		errors.Is(err, gorm.ErrInvalidValue):
		return ConstraintError{reason: err}
	default:
		return ConnectivityError{reason: err}
	}
}
