package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/finance"
	"retailpos/backend/internal/policy"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/validation"
)

// RegisterManager runs the cash drawer session of each (tenant, user):
// CLOSED -> OPEN -> CLOSED, with cash movements in between.
type RegisterManager struct {
	repo     store.Repository
	recorder *finance.Recorder
	policy   *policy.Policy
	validate *validation.Validator
	logger   *slog.Logger
	now      func() time.Time
}

func NewRegisterManager(deps Deps) *RegisterManager {
	deps = deps.withDefaults()
	return &RegisterManager{
		repo:     deps.Repo,
		recorder: deps.Recorder,
		policy:   deps.Policy,
		validate: deps.Validator,
		logger:   deps.Logger.With(slog.String("component", "register")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *RegisterManager) OpenRegister(ctx context.Context, req domain.OpenRegisterRequest) (domain.CashRegisterSession, error) {
	actor, err := m.policy.Authorize(ctx, policy.ActionOperateRegister)
	if err != nil {
		return domain.CashRegisterSession{}, err
	}
	if err := m.validate.Struct(req); err != nil {
		return domain.CashRegisterSession{}, err
	}

	opening := req.OpeningAmount.Round(2)
	session := domain.CashRegisterSession{
		ID:            uuid.NewString(),
		TenantID:      actor.TenantID,
		UserID:        actor.UserID,
		OpeningAmount: opening,
		CurrentAmount: opening,
		Status:        domain.SessionOpen,
		Notes:         strings.TrimSpace(req.Notes),
		OpenedAt:      m.now(),
	}

	err = m.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetOpenSessionForUpdate(ctx, actor.TenantID, actor.UserID)
		if err == nil {
			return store.Conflict("a cash register is already open for this user")
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := tx.InsertSession(ctx, session); err != nil {
			return err
		}
		if !opening.IsPositive() {
			return nil
		}
		_, err = m.recorder.Record(ctx, tx, finance.Entry{
			TenantID:          actor.TenantID,
			UserID:            actor.UserID,
			Type:              domain.TxCashIn,
			Amount:            opening,
			Description:       "cash register opening",
			RelatedEntityID:   session.ID,
			RelatedEntityType: domain.RelatedCashRegister,
			Status:            domain.TxCompleted,
		})
		return err
	})
	if err != nil {
		return domain.CashRegisterSession{}, fmt.Errorf("open register: %w", err)
	}

	m.logger.InfoContext(ctx, "register opened",
		slog.String("tenant_id", session.TenantID),
		slog.String("user_id", session.UserID),
		slog.String("session_id", session.ID),
		slog.String("opening_amount", opening.StringFixed(2)),
	)
	return session, nil
}

// CloseRegister finalizes the open session. Difference is the counted final
// amount minus the running balance.
func (m *RegisterManager) CloseRegister(ctx context.Context, req domain.CloseRegisterRequest) (domain.CashRegisterSession, error) {
	actor, err := m.policy.Authorize(ctx, policy.ActionOperateRegister)
	if err != nil {
		return domain.CashRegisterSession{}, err
	}
	if err := m.validate.Struct(req); err != nil {
		return domain.CashRegisterSession{}, err
	}

	var session *domain.CashRegisterSession
	err = m.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		session, err = tx.GetOpenSessionForUpdate(ctx, actor.TenantID, actor.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no open cash register: %w", store.ErrNotFound)
		}
		if err != nil {
			return err
		}

		final := req.FinalAmount.Round(2)
		expected := session.CurrentAmount
		difference := final.Sub(expected)

		if final.IsPositive() {
			_, err = m.recorder.Record(ctx, tx, finance.Entry{
				TenantID:          actor.TenantID,
				UserID:            actor.UserID,
				Type:              domain.TxCashOut,
				Amount:            final,
				Description:       "cash register closing",
				RelatedEntityID:   session.ID,
				RelatedEntityType: domain.RelatedCashRegister,
				Status:            domain.TxCompleted,
			})
			if err != nil {
				return err
			}
		}

		closedAt := m.now()
		session.ClosingAmount = &final
		session.ExpectedAmount = &expected
		session.Difference = &difference
		session.Status = domain.SessionClosed
		session.ClosedAt = &closedAt
		if notes := strings.TrimSpace(req.Notes); notes != "" {
			session.Notes = joinNotes(session.Notes, notes)
		}
		return tx.UpdateSession(ctx, *session)
	})
	if err != nil {
		return domain.CashRegisterSession{}, fmt.Errorf("close register: %w", err)
	}

	m.logger.InfoContext(ctx, "register closed",
		slog.String("tenant_id", session.TenantID),
		slog.String("user_id", session.UserID),
		slog.String("session_id", session.ID),
		slog.String("expected_amount", session.ExpectedAmount.StringFixed(2)),
		slog.String("closing_amount", session.ClosingAmount.StringFixed(2)),
		slog.String("difference", session.Difference.StringFixed(2)),
	)
	return *session, nil
}

// RegisterMovement adds or removes cash from the open session and records the
// movement. The balance may go below zero.
func (m *RegisterManager) RegisterMovement(ctx context.Context, req domain.MovementRequest) (domain.MovementResponse, error) {
	actor, err := m.policy.Authorize(ctx, policy.ActionOperateRegister)
	if err != nil {
		return domain.MovementResponse{}, err
	}
	if err := m.validate.Struct(req); err != nil {
		return domain.MovementResponse{}, err
	}

	amount := req.Amount.Round(2)
	if !amount.IsPositive() {
		return domain.MovementResponse{}, store.Validation("amount must be at least 0.01")
	}

	var resp domain.MovementResponse
	err = m.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		session, err := tx.GetOpenSessionForUpdate(ctx, actor.TenantID, actor.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no open cash register: %w", store.ErrNotFound)
		}
		if err != nil {
			return err
		}

		session.CurrentAmount = applyMovement(session.CurrentAmount, req.Type, amount)
		if err := tx.UpdateSession(ctx, *session); err != nil {
			return err
		}

		description := strings.TrimSpace(req.Description)
		if description == "" {
			description = strings.ToLower(strings.ReplaceAll(string(req.Type), "_", " "))
		}
		entry, err := m.recorder.Record(ctx, tx, finance.Entry{
			TenantID:          actor.TenantID,
			UserID:            actor.UserID,
			Type:              req.Type,
			Amount:            amount,
			Description:       description,
			RelatedEntityID:   session.ID,
			RelatedEntityType: domain.RelatedCashRegister,
			Status:            domain.TxCompleted,
		})
		if err != nil {
			return err
		}
		resp = domain.MovementResponse{Session: *session, Transaction: entry}
		return nil
	})
	if err != nil {
		return domain.MovementResponse{}, fmt.Errorf("register movement: %w", err)
	}

	m.logger.InfoContext(ctx, "register movement",
		slog.String("tenant_id", actor.TenantID),
		slog.String("user_id", actor.UserID),
		slog.String("session_id", resp.Session.ID),
		slog.String("type", string(req.Type)),
		slog.String("amount", amount.StringFixed(2)),
		slog.String("current_amount", resp.Session.CurrentAmount.StringFixed(2)),
	)
	return resp, nil
}

// Status reports the caller's open session and the transactions recorded
// since it was opened, or CLOSED when no session is open.
func (m *RegisterManager) Status(ctx context.Context) (domain.RegisterStatus, error) {
	actor, err := m.policy.Authorize(ctx, policy.ActionOperateRegister)
	if err != nil {
		return domain.RegisterStatus{}, err
	}

	session, err := m.repo.GetOpenSession(ctx, actor.TenantID, actor.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.RegisterStatus{Status: domain.SessionClosed, Transactions: []domain.FinancialTransaction{}}, nil
	}
	if err != nil {
		return domain.RegisterStatus{}, err
	}

	entries, err := m.repo.ListSessionTransactions(ctx, *session)
	if err != nil {
		return domain.RegisterStatus{}, err
	}
	return domain.RegisterStatus{Status: session.Status, Session: session, Transactions: entries}, nil
}

func applyMovement(current decimal.Decimal, kind domain.TransactionType, amount decimal.Decimal) decimal.Decimal {
	if kind == domain.TxCashOut {
		return current.Sub(amount)
	}
	return current.Add(amount)
}

func joinNotes(existing string, extra string) string {
	if existing == "" {
		return extra
	}
	return existing + "\n" + extra
}
