package provisioning

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource map[string]SubjectInfo

func (s staticSource) LookupSubject(ctx context.Context, id string) (SubjectInfo, error) {
	info, ok := s[id]
	if !ok {
		return SubjectInfo{}, errors.New("no such subject")
	}
	return info, nil
}

func newTestProvisioning(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	source := staticSource{
		"sub_1":   {Name: "Ada Lovelace", Tier: "standard", Organization: true},
		"sub_2":   {Name: "Acme Corp", Tier: "premium", Organization: true},
		"sub_ind": {Name: "Grace Hopper", Tier: "standard"},
	}
	svc := NewService(store, DefaultCatalog(), source, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, store
}

func TestProvisionCreatesTenantAndCredential(t *testing.T) {
	svc, _ := newTestProvisioning(t)

	res, err := svc.Provision(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.Equal(t, "sub_1", res.Tenant.SubjectID)
	assert.Equal(t, "standard", res.Tenant.Tier)
	assert.Equal(t, "ada-lovelace", res.Tenant.Slug)
	assert.Equal(t, TenantActive, res.Tenant.Status)

	require.NotEmpty(t, res.RawSecret)
	assert.True(t, strings.HasPrefix(res.RawSecret, "ek_"))
	assert.Equal(t, res.RawSecret[:8], res.Credential.Prefix)
	assert.NotContains(t, res.Credential.SecretHash, res.RawSecret)
}

func TestProvisionIsIdempotent(t *testing.T) {
	svc, _ := newTestProvisioning(t)

	first, err := svc.Provision(context.Background(), "sub_1")
	require.NoError(t, err)

	second, err := svc.Provision(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.Tenant.ID, second.Tenant.ID)
	assert.Equal(t, first.Credential.ID, second.Credential.ID)
	// Secrets are shown once and never regenerated on replay.
	assert.Empty(t, second.RawSecret)
}

func TestProvisionResumesPartialState(t *testing.T) {
	svc, store := newTestProvisioning(t)

	// Simulate an earlier run that wrote the tenant but crashed before
	// issuing a credential.
	now := time.Now()
	require.NoError(t, store.CreateTenant(context.Background(), &Tenant{
		ID:        "tn_partial",
		SubjectID: "sub_1",
		Slug:      "ada-lovelace",
		Tier:      "standard",
		Status:    TenantProvisioning,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	res, err := svc.Provision(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "tn_partial", res.Tenant.ID)
	assert.Equal(t, TenantActive, res.Tenant.Status)
	assert.NotEmpty(t, res.RawSecret)
}

func TestProvisionSkipsIndividualSubjects(t *testing.T) {
	svc, store := newTestProvisioning(t)
	ctx := context.Background()

	res, err := svc.Provision(ctx, "sub_ind")
	require.NoError(t, err)
	assert.Nil(t, res.Tenant)
	assert.Nil(t, res.Credential)
	assert.Empty(t, res.RawSecret)

	_, err = store.GetTenantBySubject(ctx, "sub_ind")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	// The grant projection still applies to individuals.
	require.NoError(t, svc.GrantAccess(ctx, "sub_ind"))
	assert.True(t, svc.CheckFeature(ctx, "sub_ind", "content"))
}

func TestProvisionRejectsUnknownTier(t *testing.T) {
	store := NewMemoryStore()
	source := staticSource{"sub_x": {Name: "X", Tier: "platinum", Organization: true}}
	svc := NewService(store, DefaultCatalog(), source, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.Provision(context.Background(), "sub_x")
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestProvisionRetriesTakenSlug(t *testing.T) {
	svc, store := newTestProvisioning(t)

	now := time.Now()
	require.NoError(t, store.CreateTenant(context.Background(), &Tenant{
		ID:        "tn_other",
		SubjectID: "sub_other",
		Slug:      "ada-lovelace",
		Tier:      "basic",
		Status:    TenantActive,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	res, err := svc.Provision(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Tenant.Slug, "ada-lovelace-"))
}

// racingStore loses the tenant insert to a competing writer: the first
// CreateTenant call inserts a rival record and reports the conflict.
type racingStore struct {
	Store
	raced bool
}

func (r *racingStore) CreateTenant(ctx context.Context, t *Tenant) error {
	if !r.raced {
		r.raced = true
		now := time.Now()
		if err := r.Store.CreateTenant(ctx, &Tenant{
			ID:        "tn_winner",
			SubjectID: t.SubjectID,
			Slug:      t.Slug,
			Tier:      t.Tier,
			Status:    TenantProvisioning,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		return ErrTenantExists
	}
	return r.Store.CreateTenant(ctx, t)
}

func TestProvisionConvergesOnConcurrentTenantInsert(t *testing.T) {
	store := &racingStore{Store: NewMemoryStore()}
	source := staticSource{"sub_1": {Name: "Ada Lovelace", Tier: "standard", Organization: true}}
	svc := NewService(store, DefaultCatalog(), source, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := svc.Provision(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "tn_winner", res.Tenant.ID)
	assert.Equal(t, TenantActive, res.Tenant.Status)
	assert.NotEmpty(t, res.RawSecret)
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newTestProvisioning(t)
	res, err := svc.Provision(context.Background(), "sub_1")
	require.NoError(t, err)

	cred, err := svc.Authenticate(context.Background(), res.RawSecret)
	require.NoError(t, err)
	assert.Equal(t, res.Credential.ID, cred.ID)

	_, err = svc.Authenticate(context.Background(), "ek_wrong")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestRotateCredentialsInvalidatesOldSecret(t *testing.T) {
	svc, _ := newTestProvisioning(t)
	ctx := context.Background()

	res, err := svc.Provision(ctx, "sub_1")
	require.NoError(t, err)

	cred, raw, err := svc.RotateCredentials(ctx, "sub_1")
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	assert.NotEqual(t, res.Credential.ID, cred.ID)

	_, err = svc.Authenticate(ctx, res.RawSecret)
	assert.ErrorIs(t, err, ErrCredentialRevoked)

	got, err := svc.Authenticate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)

	creds, err := svc.ListCredentials(ctx, "sub_1")
	require.NoError(t, err)
	assert.Len(t, creds, 2)
}

func TestGrantLifecycleAndCheckFeature(t *testing.T) {
	svc, _ := newTestProvisioning(t)
	ctx := context.Background()

	_, err := svc.Provision(ctx, "sub_1")
	require.NoError(t, err)

	// No grant yet: everything denied.
	assert.False(t, svc.CheckFeature(ctx, "sub_1", "content"))

	require.NoError(t, svc.GrantAccess(ctx, "sub_1"))
	assert.True(t, svc.CheckFeature(ctx, "sub_1", "content"))
	assert.True(t, svc.CheckFeature(ctx, "sub_1", "downloads"))
	// standard tier has no api flag.
	assert.False(t, svc.CheckFeature(ctx, "sub_1", "api"))

	require.NoError(t, svc.SuspendAccess(ctx, "sub_1"))
	assert.False(t, svc.CheckFeature(ctx, "sub_1", "content"))

	require.NoError(t, svc.RestoreAccess(ctx, "sub_1"))
	assert.True(t, svc.CheckFeature(ctx, "sub_1", "content"))

	// Idempotent: repeating a suspend changes nothing further.
	require.NoError(t, svc.SuspendAccess(ctx, "sub_1"))
	require.NoError(t, svc.SuspendAccess(ctx, "sub_1"))
	assert.False(t, svc.CheckFeature(ctx, "sub_1", "content"))
}

func TestRevokeAccessDeactivatesTenant(t *testing.T) {
	svc, _ := newTestProvisioning(t)
	ctx := context.Background()

	_, err := svc.Provision(ctx, "sub_2")
	require.NoError(t, err)
	require.NoError(t, svc.GrantAccess(ctx, "sub_2"))

	require.NoError(t, svc.RevokeAccess(ctx, "sub_2"))
	assert.False(t, svc.CheckFeature(ctx, "sub_2", "content"))

	tenant, err := svc.Tenant(ctx, "sub_2")
	require.NoError(t, err)
	assert.Equal(t, TenantDeactivated, tenant.Status)

	// Revoking a subject with no tenant is a no-op.
	require.NoError(t, svc.RevokeAccess(ctx, "sub_nothing"))
}

func TestCheckFeatureUnknownSubject(t *testing.T) {
	svc, _ := newTestProvisioning(t)
	assert.False(t, svc.CheckFeature(context.Background(), "sub_missing", "content"))
}
