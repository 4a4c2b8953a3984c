package provisioning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/enrollhq/entitlement/internal/idgen"
	"github.com/enrollhq/entitlement/internal/metrics"
	"github.com/enrollhq/entitlement/internal/validation"
)

// SubjectInfo is the slice of a billable subject the provisioning layer
// needs: display name for the slug, purchased tier, and whether the subject
// is an organization.
type SubjectInfo struct {
	Name         string
	Tier         string
	Organization bool
}

// SubjectSource resolves subject metadata. The entitlement store satisfies
// this through a thin adapter at wiring time.
type SubjectSource interface {
	LookupSubject(ctx context.Context, subjectID string) (SubjectInfo, error)
}

// Service provisions tenants and credentials and maintains the access-grant
// projection. Every operation is idempotent so the entitlement engine can
// replay side effects after a crash.
type Service struct {
	store   Store
	catalog TierCatalog
	source  SubjectSource
	logger  *slog.Logger
}

func NewService(store Store, catalog TierCatalog, source SubjectSource, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		catalog: catalog,
		source:  source,
		logger:  logger,
	}
}

// Provision ensures the subject has a tenant and one live credential.
// A second call returns the existing records without touching secrets.
// Partial state from a crashed earlier run (tenant written, credential
// missing) is detected and completed.
func (s *Service) Provision(ctx context.Context, subjectID string) (*ProvisionResult, error) {
	info, err := s.source.LookupSubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("lookup subject: %w", err)
	}
	if !info.Organization {
		// Tenants and credentials are organization-scoped. Individual
		// subjects carry only the access grant.
		metrics.ProvisionsTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug("provision skipped, subject is not an organization", "subject_id", subjectID)
		return &ProvisionResult{}, nil
	}
	tier := info.Tier
	if tier == "" {
		tier = "basic"
	}
	if !s.catalog.Valid(tier) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	tenant, err := s.store.GetTenantBySubject(ctx, subjectID)
	switch {
	case err == nil:
		// Tenant exists; fall through to the credential check.
	case errors.Is(err, ErrTenantNotFound):
		tenant, err = s.createTenant(ctx, subjectID, info.Name, tier)
		if err != nil {
			metrics.ProvisionsTotal.WithLabelValues("failed").Inc()
			return nil, &PartialFailure{SubjectID: subjectID, Failed: "tenant", Err: err}
		}
	default:
		return nil, fmt.Errorf("get tenant: %w", err)
	}

	creds, err := s.store.ListCredentials(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	for _, c := range creds {
		if !c.Revoked() {
			// Fully provisioned already.
			metrics.ProvisionsTotal.WithLabelValues("noop").Inc()
			return &ProvisionResult{Tenant: tenant, Credential: c, Resumed: true}, nil
		}
	}

	cred, raw, err := s.issueCredential(ctx, tenant.ID, "default")
	if err != nil {
		metrics.ProvisionsTotal.WithLabelValues("failed").Inc()
		return nil, &PartialFailure{
			SubjectID: subjectID,
			Completed: []string{"tenant"},
			Failed:    "credential",
			Err:       err,
		}
	}

	resumed := len(creds) > 0 || tenant.Status != TenantProvisioning
	if tenant.Status == TenantProvisioning {
		tenant.Status = TenantActive
		tenant.UpdatedAt = time.Now()
		if err := s.store.UpdateTenant(ctx, tenant); err != nil {
			metrics.ProvisionsTotal.WithLabelValues("failed").Inc()
			return nil, &PartialFailure{
				SubjectID: subjectID,
				Completed: []string{"tenant", "credential"},
				Failed:    "activate",
				Err:       err,
			}
		}
	}

	if resumed {
		metrics.ProvisionsTotal.WithLabelValues("resumed").Inc()
	} else {
		metrics.ProvisionsTotal.WithLabelValues("created").Inc()
	}
	s.logger.Info("subject provisioned", "subject_id", subjectID, "tenant_id", tenant.ID, "resumed", resumed)

	return &ProvisionResult{Tenant: tenant, Credential: cred, RawSecret: raw, Resumed: resumed}, nil
}

func (s *Service) createTenant(ctx context.Context, subjectID, name, tier string) (*Tenant, error) {
	slug := validation.Slugify(name)
	if slug == "" {
		slug = "subject"
	}

	now := time.Now()
	tenant := &Tenant{
		ID:        idgen.WithPrefix("tn"),
		SubjectID: subjectID,
		Slug:      slug,
		Tier:      tier,
		Status:    TenantProvisioning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.CreateTenant(ctx, tenant)
	if errors.Is(err, ErrSlugTaken) {
		tenant.Slug = slug + "-" + idgen.Hex(3)
		err = s.store.CreateTenant(ctx, tenant)
	}
	if errors.Is(err, ErrTenantExists) {
		// A concurrent Provision won the insert; converge on its record.
		return s.store.GetTenantBySubject(ctx, subjectID)
	}
	if err != nil {
		return nil, err
	}
	return tenant, nil
}

func (s *Service) issueCredential(ctx context.Context, tenantID, name string) (*Credential, string, error) {
	raw := "ek_" + idgen.Hex(24)
	cred := &Credential{
		ID:         idgen.WithPrefix("cr"),
		TenantID:   tenantID,
		Name:       name,
		SecretHash: hashSecret(raw),
		Prefix:     raw[:8],
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateCredential(ctx, cred); err != nil {
		return nil, "", err
	}
	return cred, raw, nil
}

// RotateCredentials revokes every live credential for the subject's tenant
// and issues a fresh one. Access state is untouched.
func (s *Service) RotateCredentials(ctx context.Context, subjectID string) (*Credential, string, error) {
	tenant, err := s.store.GetTenantBySubject(ctx, subjectID)
	if err != nil {
		return nil, "", err
	}

	creds, err := s.store.ListCredentials(ctx, tenant.ID)
	if err != nil {
		return nil, "", fmt.Errorf("list credentials: %w", err)
	}
	now := time.Now()
	for _, c := range creds {
		if c.Revoked() {
			continue
		}
		if err := s.store.RevokeCredential(ctx, c.ID, now); err != nil {
			return nil, "", fmt.Errorf("revoke credential %s: %w", c.ID, err)
		}
	}

	cred, raw, err := s.issueCredential(ctx, tenant.ID, "rotated")
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("credentials rotated", "subject_id", subjectID, "tenant_id", tenant.ID)
	return cred, raw, nil
}

// ListCredentials returns all credentials for the subject's tenant, hashes
// omitted.
func (s *Service) ListCredentials(ctx context.Context, subjectID string) ([]*Credential, error) {
	tenant, err := s.store.GetTenantBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return s.store.ListCredentials(ctx, tenant.ID)
}

// Authenticate resolves a raw secret to its live credential.
func (s *Service) Authenticate(ctx context.Context, rawSecret string) (*Credential, error) {
	cred, err := s.store.GetCredentialByHash(ctx, hashSecret(rawSecret))
	if err != nil {
		return nil, ErrCredentialNotFound
	}
	if cred.Revoked() {
		return nil, ErrCredentialRevoked
	}
	return cred, nil
}

// GrantAccess flips the subject's grant projection on. Idempotent.
func (s *Service) GrantAccess(ctx context.Context, subjectID string) error {
	return s.setGrant(ctx, subjectID, true)
}

// RestoreAccess re-enables a suspended subject's grant. Same projection
// write as GrantAccess; the distinction matters only to callers.
func (s *Service) RestoreAccess(ctx context.Context, subjectID string) error {
	return s.setGrant(ctx, subjectID, true)
}

// SuspendAccess flips the subject's grant projection off. Idempotent.
func (s *Service) SuspendAccess(ctx context.Context, subjectID string) error {
	return s.setGrant(ctx, subjectID, false)
}

// RevokeAccess disables the grant and deactivates the tenant.
func (s *Service) RevokeAccess(ctx context.Context, subjectID string) error {
	if err := s.setGrant(ctx, subjectID, false); err != nil {
		return err
	}
	tenant, err := s.store.GetTenantBySubject(ctx, subjectID)
	if errors.Is(err, ErrTenantNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if tenant.Status == TenantDeactivated {
		return nil
	}
	tenant.Status = TenantDeactivated
	tenant.UpdatedAt = time.Now()
	return s.store.UpdateTenant(ctx, tenant)
}

func (s *Service) setGrant(ctx context.Context, subjectID string, active bool) error {
	tier := ""
	if g, err := s.store.GetGrant(ctx, subjectID); err == nil && g != nil {
		tier = g.Tier
	}
	if tier == "" {
		if tenant, err := s.store.GetTenantBySubject(ctx, subjectID); err == nil {
			tier = tenant.Tier
		} else if info, err := s.source.LookupSubject(ctx, subjectID); err == nil && info.Tier != "" {
			tier = info.Tier
		} else {
			tier = "basic"
		}
	}
	return s.store.UpsertGrant(ctx, &Grant{
		SubjectID: subjectID,
		Active:    active,
		Tier:      tier,
		UpdatedAt: time.Now(),
	})
}

// CheckFeature is the enforcement read path: deny unless the grant is
// active and the tier carries the feature flag.
func (s *Service) CheckFeature(ctx context.Context, subjectID, feature string) bool {
	g, err := s.store.GetGrant(ctx, subjectID)
	if err != nil || g == nil || !g.Active {
		return false
	}
	return s.catalog.FeatureEnabled(g.Tier, feature)
}

// Tenant returns the subject's tenant record.
func (s *Service) Tenant(ctx context.Context, subjectID string) (*Tenant, error) {
	return s.store.GetTenantBySubject(ctx, subjectID)
}

func hashSecret(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
