package paymentmethod

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"

	"matchpay/internal/apperr"
	"matchpay/internal/db"
	"matchpay/internal/events"
	"matchpay/internal/gateway"
	"matchpay/internal/logger"
)

const maxNickname = 100

type Manager struct {
	tx     db.TxRunner
	store  Store
	events events.Publisher
}

func NewManager(tx db.TxRunner, store Store, pub events.Publisher) *Manager {
	return &Manager{tx: tx, store: store, events: pub}
}

// Save remembers a gateway payment method for owner inside tx. The owner's
// first method becomes the default.
func (m *Manager) Save(ctx context.Context, tx *sqlx.Tx, ownerID int64, pm gateway.PaymentMethod) (*SavedPaymentMethod, error) {
	const op = "paymentmethod.Save"

	if ownerID <= 0 || pm.ID == "" {
		return nil, apperr.Validation(op, "owner and payment method id are required")
	}
	store := m.store.WithTx(tx)

	saved, err := store.Upsert(ctx, &SavedPaymentMethod{
		OwnerID:                ownerID,
		GatewayPaymentMethodID: pm.ID,
		Brand:                  pm.Card.Brand,
		Last4:                  pm.Card.Last4,
		ExpMonth:               pm.Card.ExpMonth,
		ExpYear:                pm.Card.ExpYear,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	hasDefault, err := store.HasDefault(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !hasDefault {
		if err := store.MarkDefault(ctx, ownerID, saved.ID); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		saved.IsDefault = true
	}
	return saved, nil
}

// Publish announces a saved method after its transaction committed.
func (m *Manager) Publish(ctx context.Context, saved *SavedPaymentMethod) {
	if saved == nil {
		return
	}
	logger.Info("payment method saved", "owner_id", saved.OwnerID, "payment_method_id", saved.ID, "default", saved.IsDefault)
	events.Emit(ctx, m.events, events.New(events.PaymentMethodAttached, "payment-method-"+strconv.FormatInt(saved.ID, 10), saved.OwnerID, saved))
}

func (m *Manager) List(ctx context.Context, ownerID int64) ([]SavedPaymentMethod, error) {
	return m.store.ListByOwner(ctx, ownerID)
}

// SetDefault clears the owner's current default and marks id, in that order,
// so the one-default index never sees two.
func (m *Manager) SetDefault(ctx context.Context, ownerID, id int64) (*SavedPaymentMethod, error) {
	const op = "paymentmethod.SetDefault"

	var out *SavedPaymentMethod
	err := m.tx.InTx(ctx, func(tx *sqlx.Tx) error {
		store := m.store.WithTx(tx)
		pm, err := m.get(ctx, store, op, ownerID, id)
		if err != nil {
			return err
		}
		if pm.IsDefault {
			out = pm
			return nil
		}
		if err := store.ClearDefault(ctx, ownerID); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := store.MarkDefault(ctx, ownerID, id); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		pm.IsDefault = true
		out = pm
		return nil
	})
	return out, err
}

// Update applies a partial update to one of the owner's methods.
func (m *Manager) Update(ctx context.Context, ownerID, id int64, upd Update) (*SavedPaymentMethod, error) {
	const op = "paymentmethod.Update"

	if v, ok := upd.Nickname.Value(); ok && len(v) > maxNickname {
		return nil, apperr.Validation(op, "nickname must be at most %d characters", maxNickname)
	}
	if upd.IsDefault.IsNull() {
		return nil, apperr.Validation(op, "is_default cannot be null")
	}

	pm, err := m.get(ctx, m.store, op, ownerID, id)
	if err != nil {
		return nil, err
	}

	if upd.Nickname.Apply(&pm.Nickname) {
		if err := m.store.UpdateNickname(ctx, ownerID, id, pm.Nickname); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if def, ok := upd.IsDefault.Value(); ok && def && !pm.IsDefault {
		if _, err := m.SetDefault(ctx, ownerID, id); err != nil {
			return nil, err
		}
		pm.IsDefault = true
	}
	return pm, nil
}

func (m *Manager) Delete(ctx context.Context, ownerID, id int64) error {
	const op = "paymentmethod.Delete"

	err := m.store.Delete(ctx, ownerID, id)
	if errors.Is(err, ErrPaymentMethodNotFound) {
		return apperr.NotFound(op, "payment method")
	}
	return err
}

func (m *Manager) get(ctx context.Context, store Store, op string, ownerID, id int64) (*SavedPaymentMethod, error) {
	pm, err := store.GetByID(ctx, ownerID, id)
	if errors.Is(err, ErrPaymentMethodNotFound) {
		return nil, apperr.NotFound(op, "payment method")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return pm, nil
}
