// Package provisioning materializes entitlement decisions into tenants,
// credentials, and the access-grant projection the serving path consults.
package provisioning

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrTenantNotFound     = errors.New("provisioning: tenant not found")
	ErrTenantExists       = errors.New("provisioning: tenant already exists for subject")
	ErrCredentialNotFound = errors.New("provisioning: credential not found")
	ErrSlugTaken          = errors.New("provisioning: slug already taken")
	ErrUnknownTier        = errors.New("provisioning: unknown tier")
	ErrCredentialRevoked  = errors.New("provisioning: credential revoked")
)

// PartialFailure reports a provisioning run that wrote some records but not
// all of them. The completed steps are idempotent, so the caller retries
// the whole operation.
type PartialFailure struct {
	SubjectID string
	Completed []string
	Failed    string
	Err       error
}

func (e *PartialFailure) Error() string {
	return "provisioning: partial failure at step " + e.Failed + " for subject " + e.SubjectID + ": " + e.Err.Error()
}

func (e *PartialFailure) Unwrap() error { return e.Err }

// TenantStatus represents a tenant's lifecycle state.
type TenantStatus string

const (
	TenantProvisioning TenantStatus = "provisioning"
	TenantActive       TenantStatus = "active"
	TenantSuspended    TenantStatus = "suspended"
	TenantDeactivated  TenantStatus = "deactivated"
)

// Tenant is the provisioned workspace backing one billable subject.
type Tenant struct {
	ID        string       `json:"id"`
	SubjectID string       `json:"subjectId"`
	Slug      string       `json:"slug"`
	Tier      string       `json:"tier"`
	Status    TenantStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Credential is an opaque access key. The secret is stored only as a
// SHA-256 hash; the raw value is returned exactly once, at issue time.
type Credential struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	Name       string     `json:"name"`
	SecretHash string     `json:"-"`
	Prefix     string     `json:"prefix"` // first characters of the raw secret, for display
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Revoked reports whether the credential has been invalidated.
func (c *Credential) Revoked() bool { return c.RevokedAt != nil }

// Grant is the access projection consulted on every feature check. It is a
// plain boolean plus the tier to resolve feature flags against, so the
// serving path never walks the event history.
type Grant struct {
	SubjectID string    `json:"subjectId"`
	Active    bool      `json:"active"`
	Tier      string    `json:"tier"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProvisionResult is what a successful Provision returns. RawSecret is
// non-empty only when a credential was newly issued.
type ProvisionResult struct {
	Tenant     *Tenant     `json:"tenant"`
	Credential *Credential `json:"credential"`
	RawSecret  string      `json:"rawSecret,omitempty"`
	Resumed    bool        `json:"resumed"`
}

// Store persists tenants, credentials, and grants.
type Store interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	GetTenantBySubject(ctx context.Context, subjectID string) (*Tenant, error)
	UpdateTenant(ctx context.Context, t *Tenant) error

	CreateCredential(ctx context.Context, c *Credential) error
	GetCredentialByHash(ctx context.Context, hash string) (*Credential, error)
	ListCredentials(ctx context.Context, tenantID string) ([]*Credential, error)
	RevokeCredential(ctx context.Context, id string, at time.Time) error

	UpsertGrant(ctx context.Context, g *Grant) error
	GetGrant(ctx context.Context, subjectID string) (*Grant, error)
}
