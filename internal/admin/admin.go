// Package admin implements the tenant administration surface of iam-svc:
// tenant onboarding, service-account provisioning and key rotation. Every
// route is guarded by the authentication middleware with its own policy
// action, and every operation emits an audit event.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
	"github.com/StricklySoft/plutus-security/pkg/tenant"
)

// Policy actions evaluated for each route.
const (
	ActionCreateTenant         = "iam.tenants.create"
	ActionCreateServiceAccount = "iam.serviceAccounts.create"
	ActionRotateKey            = "iam.keys.rotate"
)

// Residency values accepted by the admin API.
const (
	ResidencyUS   = "us"
	ResidencyEU   = "eu"
	ResidencyAPAC = "apac"
)

// Rotation types.
const (
	RotationStandard   = "standard"
	RotationAutomated  = "automated"
	RotationBreakglass = "breakglass"
)

// TenantOnboardingRequest is the body of POST /admin/tenants.
type TenantOnboardingRequest struct {
	Name       string `json:"name" validate:"required,min=3"`
	Residency  string `json:"residency" validate:"required,oneof=us eu apac"`
	ExternalID string `json:"externalId" validate:"required,min=3"`
}

// ServiceAccountRequest is the body of POST /admin/tenants/{id}/service-accounts.
type ServiceAccountRequest struct {
	Workload    string `json:"workload" validate:"required"`
	CallbackURL string `json:"callbackUrl,omitempty" validate:"omitempty,url"`
	Residency   string `json:"residency" validate:"required,oneof=us eu apac"`
}

// KeyRotationRequest is the body of POST /admin/tenants/{id}/keys/rotate.
// A breakglass rotation must reference a ticket.
type KeyRotationRequest struct {
	KeyID            string `json:"keyId" validate:"required"`
	RotationType     string `json:"rotationType" validate:"required,oneof=standard automated breakglass"`
	BreakglassTicket string `json:"breakglassTicket,omitempty" validate:"required_if=RotationType breakglass"`
}

// TenantRecord is an onboarded tenant.
type TenantRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Residency   string    `json:"residency"`
	ExternalID  string    `json:"externalId"`
	OnboardedAt time.Time `json:"onboardedAt"`
}

// ServiceAccountRecord is a provisioned service account. ClientSecret is
// only ever returned once, in the provisioning response.
type ServiceAccountRecord struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	Workload     string    `json:"workload"`
	CallbackURL  string    `json:"callbackUrl,omitempty"`
	Residency    string    `json:"residency"`
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	CreatedAt    time.Time `json:"createdAt"`
}

// KeyRotationRecord acknowledges a key rotation.
type KeyRotationRecord struct {
	TenantID     string    `json:"tenantId"`
	KeyID        string    `json:"keyId"`
	RotationType string    `json:"rotationType"`
	RotatedAt    time.Time `json:"rotatedAt"`
	Ticket       string    `json:"ticket,omitempty"`
}

// Registry persists onboarded tenants. *tenant.Directory satisfies it.
type Registry interface {
	Register(ctx context.Context, r tenant.Registration) error
}

// Option configures a [Service].
type Option func(*Service)

// WithRegistry persists onboarded tenants to r in addition to the
// in-process record.
func WithRegistry(r Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithInvalidator is called with the tenant id after a tenant is
// (re)registered, so cached profiles are dropped.
func WithInvalidator(fn func(ctx context.Context, tenantID string)) Option {
	return func(s *Service) { s.invalidate = fn }
}

// WithLogger sets the audit logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service holds the admin operations. It is safe for concurrent use.
type Service struct {
	registry   Registry
	invalidate func(ctx context.Context, tenantID string)
	logger     *slog.Logger
	now        func() time.Time
	accounts   atomic.Int64

	mu      sync.RWMutex
	tenants map[string]TenantRecord
}

// NewService returns an admin service.
func NewService(opts ...Option) *Service {
	s := &Service{
		logger:  slog.Default(),
		now:     time.Now,
		tenants: make(map[string]TenantRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnboardTenant validates req and creates a tenant with a fresh
// "tenant-<uuid>" id.
func (s *Service) OnboardTenant(ctx context.Context, req TenantOnboardingRequest) (TenantRecord, error) {
	if err := validateRequest(req); err != nil {
		return TenantRecord{}, err
	}
	rec := TenantRecord{
		ID:          "tenant-" + uuid.NewString(),
		Name:        req.Name,
		Residency:   req.Residency,
		ExternalID:  req.ExternalID,
		OnboardedAt: s.now().UTC(),
	}
	if s.registry != nil {
		err := s.registry.Register(ctx, tenant.Registration{
			Profile:    tenant.Profile{TenantID: rec.ID, Residency: rec.Residency},
			ExternalID: rec.ExternalID,
			Name:       rec.Name,
		})
		if err != nil {
			return TenantRecord{}, err
		}
	}
	if s.invalidate != nil {
		s.invalidate(ctx, rec.ID)
	}

	s.mu.Lock()
	s.tenants[rec.ID] = rec
	s.mu.Unlock()

	s.audit(ctx, "tenant.onboarded",
		slog.String("tenant_id", rec.ID),
		slog.String("residency", rec.Residency),
		slog.String("external_id", rec.ExternalID),
	)
	return rec, nil
}

// Tenant returns a tenant onboarded by this process.
func (s *Service) Tenant(id string) (TenantRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tenants[id]
	return rec, ok
}

// ProvisionServiceAccount creates client credentials for a workload of
// tenantID.
func (s *Service) ProvisionServiceAccount(ctx context.Context, tenantID string, req ServiceAccountRequest) (ServiceAccountRecord, error) {
	if tenantID == "" {
		return ServiceAccountRecord{}, sserr.New(sserr.CodeValidationRequired, "admin: tenant id is required")
	}
	if err := validateRequest(req); err != nil {
		return ServiceAccountRecord{}, err
	}
	rec := ServiceAccountRecord{
		ID:           fmt.Sprintf("svc-%d", s.accounts.Add(1)),
		TenantID:     tenantID,
		Workload:     req.Workload,
		CallbackURL:  req.CallbackURL,
		Residency:    req.Residency,
		ClientID:     "client-" + uuid.NewString(),
		ClientSecret: strings.ReplaceAll(uuid.NewString(), "-", ""),
		CreatedAt:    s.now().UTC(),
	}
	s.audit(ctx, "serviceAccount.provisioned",
		slog.String("tenant_id", tenantID),
		slog.String("service_account_id", rec.ID),
		slog.String("client_id", rec.ClientID),
		slog.String("workload", rec.Workload),
		slog.String("residency", rec.Residency),
	)
	return rec, nil
}

// RotateKey records a key rotation for tenantID.
func (s *Service) RotateKey(ctx context.Context, tenantID string, req KeyRotationRequest) (KeyRotationRecord, error) {
	if tenantID == "" {
		return KeyRotationRecord{}, sserr.New(sserr.CodeValidationRequired, "admin: tenant id is required")
	}
	if err := validateRequest(req); err != nil {
		return KeyRotationRecord{}, err
	}
	rec := KeyRotationRecord{
		TenantID:     tenantID,
		KeyID:        req.KeyID,
		RotationType: req.RotationType,
		RotatedAt:    s.now().UTC(),
		Ticket:       req.BreakglassTicket,
	}
	attrs := []any{
		slog.String("tenant_id", tenantID),
		slog.String("key_id", rec.KeyID),
		slog.String("rotation_type", rec.RotationType),
	}
	if rec.Ticket != "" {
		attrs = append(attrs, slog.String("ticket", rec.Ticket))
	}
	s.audit(ctx, "key.rotated", attrs...)
	return rec, nil
}

// audit writes one structured audit event. The HTTP layer stores the
// acting subject in ctx.
func (s *Service) audit(ctx context.Context, event string, attrs ...any) {
	attrs = append([]any{slog.String("event", event)}, attrs...)
	if actor, ok := actorFromContext(ctx); ok {
		attrs = append(attrs, slog.String("actor", actor))
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
}

type actorKey struct{}

func contextWithActor(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, actorKey{}, subject)
}

func actorFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(actorKey{}).(string)
	return s, ok && s != ""
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(sf reflect.StructField) string {
			name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return sf.Name
			}
			return name
		})
		validate = v
	})
	return validate
}

// validateRequest runs the validate tags and reports failures as
// [sserr.CodeValidation] with a "fields" detail keyed by JSON name.
func validateRequest(req any) error {
	err := requestValidator().Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return sserr.Wrap(err, sserr.CodeValidation, "admin: invalid request")
	}
	fields := make(map[string]string, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fieldMessage(fe)
		names = append(names, fe.Field())
	}
	return sserr.Newf(sserr.CodeValidation, "admin: invalid %s", strings.Join(names, ", ")).
		WithDetail("fields", fields)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	default:
		return "failed on '" + fe.Tag() + "'"
	}
}
