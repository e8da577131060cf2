package policy

import (
	"context"
	"fmt"
	"log/slog"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

type Action string

const (
	ActionCreateSale      Action = "sale:create"
	ActionReadSale        Action = "sale:read"
	ActionRegisterPayment Action = "sale:pay"
	ActionVoidSale        Action = "sale:void"
	ActionOperateRegister Action = "register:operate"
	ActionReadStock       Action = "stock:read"
)

var grants = map[domain.Role]map[Action]bool{
	domain.RoleSuperAdmin: {
		ActionCreateSale: true, ActionReadSale: true, ActionRegisterPayment: true,
		ActionVoidSale: true, ActionOperateRegister: true, ActionReadStock: true,
	},
	domain.RoleAdmin: {
		ActionCreateSale: true, ActionReadSale: true, ActionRegisterPayment: true,
		ActionVoidSale: true, ActionOperateRegister: true, ActionReadStock: true,
	},
	domain.RoleCashier: {
		ActionCreateSale: true, ActionReadSale: true, ActionRegisterPayment: true,
		ActionOperateRegister: true, ActionReadStock: true,
	},
	domain.RoleVendor: {
		ActionCreateSale: true, ActionReadSale: true, ActionRegisterPayment: true,
		ActionOperateRegister: true, ActionReadStock: true,
	},
	domain.RoleAccountant: {
		ActionReadSale: true, ActionRegisterPayment: true,
	},
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Policy is the single place where role and tenant rules are evaluated before
// a core operation runs.
type Policy struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{logger: logger}
}

// Authorize returns the actor from ctx if it may perform action. Every
// authorized actor carries a tenant.
func (p *Policy) Authorize(ctx context.Context, action Action) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.Actor{}, store.ErrUnauthenticated
	}
	if actor.TenantID == "" {
		return domain.Actor{}, fmt.Errorf("%w: no tenant selected", store.ErrForbidden)
	}
	if !grants[actor.Role][action] {
		p.logger.WarnContext(ctx, "action denied",
			slog.String("user_id", actor.UserID),
			slog.String("tenant_id", actor.TenantID),
			slog.String("role", string(actor.Role)),
			slog.String("action", string(action)),
		)
		return domain.Actor{}, fmt.Errorf("%w: %s may not %s", store.ErrForbidden, actor.Role, action)
	}
	return actor, nil
}

// CanReadAllSales reports whether actor sees every sale of its tenant.
// Vendors only see the sales they made.
func (p *Policy) CanReadAllSales(actor domain.Actor) bool {
	return actor.Role != domain.RoleVendor
}

// CanSwitchTenant reports whether actor may act on a tenant other than the
// one in its token.
func (p *Policy) CanSwitchTenant(actor domain.Actor) bool {
	return actor.Role == domain.RoleSuperAdmin
}
