package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	"github.com/smallbiznis/entitlements/internal/billingprovider/providertest"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	customerrepo "github.com/smallbiznis/entitlements/internal/customer/repository"
	customerservice "github.com/smallbiznis/entitlements/internal/customer/service"
	invalidationdomain "github.com/smallbiznis/entitlements/internal/invalidation/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/entitlements/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/entitlements/internal/subscription/service"
	"github.com/smallbiznis/entitlements/internal/trial/domain"
	"github.com/smallbiznis/entitlements/internal/trial/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tenantID = snowflake.ID(7)

type recordingDispatcher struct {
	tenants []snowflake.ID
	reasons []string
}

func (d *recordingDispatcher) Register(string, invalidationdomain.Invalidator) {}

func (d *recordingDispatcher) Invalidate(_ context.Context, tenantID snowflake.ID, reason string, _ map[string]any) error {
	d.tenants = append(d.tenants, tenantID)
	d.reasons = append(d.reasons, reason)
	return nil
}

func (d *recordingDispatcher) InvalidateAll(context.Context, string, map[string]any) error {
	return nil
}

type failingMirrorSync struct {
	subscriptiondomain.Service
}

func (failingMirrorSync) SyncTx(context.Context, *gorm.DB, subscriptiondomain.SyncRequest) (subscriptiondomain.SyncResult, error) {
	return subscriptiondomain.SyncResult{}, errors.New("mirror store unavailable")
}

type fixture struct {
	svc           domain.Service
	clock         *clock.FakeClock
	dispatcher    *recordingDispatcher
	provider      *providertest.Client
	customers     customerdomain.Service
	subscriptions subscriptiondomain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.TrialConfig{},
		&domain.TrialAccount{},
		&subscriptiondomain.SubscriptionMirror{},
		&customerdomain.BillingCustomer{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	subscriptions := subscriptionservice.NewService(subscriptionservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Repo: subscriptionrepo.Provide(),
	})
	customers := customerservice.New(customerservice.Params{DB: db, Log: log, Clock: fc, Repo: customerrepo.Provide()})
	dispatcher := &recordingDispatcher{}
	provider := &providertest.Client{}

	cfg := config.Config{Trial: config.TrialConfig{
		CooldownDays:       30,
		DefaultGraceDays:   3,
		MaxExtensions:      1,
		DefaultTrialConfig: "pro-trial",
	}}
	svc := NewService(Params{
		DB:              db,
		Log:             log,
		GenID:           node,
		Clock:           fc,
		Cfg:             cfg,
		Repo:            repository.Provide(),
		Tiers:           config.NewStaticTierConfigHolder(config.DefaultTierConfig()),
		SubscriptionSvc: subscriptions,
		CustomerSvc:     customers,
		Provider:        provider,
		Dispatcher:      dispatcher,
	})

	_, err = svc.UpsertTrialConfig(context.Background(), domain.UpsertTrialConfigRequest{
		Name:           "Pro Trial",
		DurationDays:   14,
		TargetTier:     "pro",
		Features:       []string{"sso", "advanced_reports"},
		Limitations:    map[string]any{"seats": 10},
		DefaultPriceID: "price_pro",
	})
	require.NoError(t, err)

	return fixture{
		svc:           svc,
		clock:         fc,
		dispatcher:    dispatcher,
		provider:      provider,
		customers:     customers,
		subscriptions: subscriptions,
	}
}

func (f fixture) start(t *testing.T, tenant snowflake.ID) domain.TrialAccount {
	t.Helper()
	account, err := f.svc.StartTrial(context.Background(), domain.StartTrialRequest{TenantID: tenant})
	require.NoError(t, err)
	return account
}

func (f fixture) trialMirror(t *testing.T, account domain.TrialAccount) subscriptiondomain.SubscriptionMirror {
	t.Helper()
	mirror, err := f.subscriptions.GetByExternalID(context.Background(), subscriptiondomain.TrialExternalID(account.ID))
	require.NoError(t, err)
	return mirror
}

func TestStartTrialWritesTrialingMirror(t *testing.T) {
	f := newFixture(t)
	account := f.start(t, tenantID)

	assert.Equal(t, domain.TrialStatusActive, account.Status)
	assert.Equal(t, "pro-trial", account.ConfigCode)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 14), account.ExpiresAt)
	assert.Equal(t, 3, account.GracePeriodDays)
	assert.Equal(t, account.ExpiresAt.AddDate(0, 0, 3), account.GraceEndsAt)

	mirror := f.trialMirror(t, account)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrialing, mirror.Status)
	assert.Equal(t, subscriptiondomain.SourceTrial, mirror.Source)
	assert.Equal(t, "PRO", mirror.Tier)
	assert.ElementsMatch(t, []string{"advanced_reports", "sso"}, []string(mirror.Features))
	assert.Equal(t, []snowflake.ID{tenantID}, f.dispatcher.tenants)
	assert.Equal(t, invalidationdomain.ReasonTrialChange, f.dispatcher.reasons[0])
}

func TestStartTrialRejectsSecondActiveTrial(t *testing.T) {
	f := newFixture(t)
	f.start(t, tenantID)

	_, err := f.svc.StartTrial(context.Background(), domain.StartTrialRequest{TenantID: tenantID})
	assert.ErrorIs(t, err, domain.ErrTrialExists)
}

func TestStartTrialRejectsPaidSubscriber(t *testing.T) {
	f := newFixture(t)
	_, err := f.subscriptions.Sync(context.Background(), subscriptiondomain.SyncRequest{
		ExternalSubscriptionID: "sub_paid",
		TenantID:               tenantID,
		Provider:               "stripe",
		Status:                 subscriptiondomain.SubscriptionStatusActive,
		Tier:                   "STARTER",
	})
	require.NoError(t, err)

	_, err = f.svc.StartTrial(context.Background(), domain.StartTrialRequest{TenantID: tenantID})
	assert.ErrorIs(t, err, domain.ErrPaidSubscriptionActive)
}

func TestStartTrialRejectsUnmirroredProviderSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.customers.Link(ctx, customerdomain.LinkCustomerRequest{
		TenantID: tenantID, Provider: "stripe", ExternalCustomerID: "cus_7",
	})
	require.NoError(t, err)
	f.provider.On("GetActiveSubscription", mock.Anything, "cus_7").
		Return(&billingdomain.Subscription{ID: "sub_live", CustomerID: "cus_7", Status: billingdomain.StatusActive}, nil).Once()

	_, err = f.svc.StartTrial(ctx, domain.StartTrialRequest{TenantID: tenantID})
	assert.ErrorIs(t, err, domain.ErrPaidSubscriptionActive)

	_, err = f.svc.GetTrial(ctx, tenantID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.dispatcher.tenants)
	f.provider.AssertExpectations(t)
}

func TestStartTrialWithLinkedCustomerAndNoProviderSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.customers.Link(ctx, customerdomain.LinkCustomerRequest{
		TenantID: tenantID, Provider: "stripe", ExternalCustomerID: "cus_7",
	})
	require.NoError(t, err)
	f.provider.On("GetActiveSubscription", mock.Anything, "cus_7").
		Return(nil, nil).Once()

	account := f.start(t, tenantID)
	assert.Equal(t, domain.TrialStatusActive, account.Status)
	f.provider.AssertExpectations(t)
}

func TestStartTrialFailsWhenProviderUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.customers.Link(ctx, customerdomain.LinkCustomerRequest{
		TenantID: tenantID, Provider: "stripe", ExternalCustomerID: "cus_7",
	})
	require.NoError(t, err)
	f.provider.On("GetActiveSubscription", mock.Anything, "cus_7").
		Return(nil, billingdomain.ErrProviderUnavailable).Once()

	_, err = f.svc.StartTrial(ctx, domain.StartTrialRequest{TenantID: tenantID})
	assert.ErrorIs(t, err, billingdomain.ErrProviderUnavailable)

	_, err = f.svc.GetTrial(ctx, tenantID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTrialWritesRollBackWhenMirrorSyncFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, tenantID)
	f.svc.(*Service).subscriptionSvc = failingMirrorSync{Service: f.subscriptions}

	_, err := f.svc.StartTrial(ctx, domain.StartTrialRequest{TenantID: tenantID + 1})
	require.Error(t, err)
	_, err = f.svc.GetTrial(ctx, tenantID+1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.CancelTrial(ctx, domain.CancelTrialRequest{TenantID: tenantID})
	require.Error(t, err)
	_, err = f.svc.ExtendTrial(ctx, domain.ExtendTrialRequest{TenantID: tenantID, Days: 7})
	require.Error(t, err)

	current, err := f.svc.GetTrial(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusActive, current.Status)
	assert.Zero(t, current.ExtensionCount)
	assert.Nil(t, current.CancelledAt)
	assert.Equal(t, []snowflake.ID{tenantID}, f.dispatcher.tenants)
}

func TestStartTrialHonoursCooldown(t *testing.T) {
	f := newFixture(t)
	f.start(t, tenantID)
	_, err := f.svc.CancelTrial(context.Background(), domain.CancelTrialRequest{TenantID: tenantID, Reason: "not a fit"})
	require.NoError(t, err)

	f.clock.AdvanceDays(29)
	_, err = f.svc.StartTrial(context.Background(), domain.StartTrialRequest{TenantID: tenantID})
	assert.ErrorIs(t, err, domain.ErrCooldown)

	f.clock.AdvanceDays(1)
	f.start(t, tenantID)
}

func TestStartTrialUnknownConfig(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.StartTrial(context.Background(), domain.StartTrialRequest{TenantID: tenantID, ConfigCode: "enterprise"})
	assert.ErrorIs(t, err, domain.ErrConfigNotFound)
}

func TestCheckExpirationGraceWindow(t *testing.T) {
	f := newFixture(t)
	account := f.start(t, tenantID)
	ctx := context.Background()

	f.clock.AdvanceDays(15)
	result, err := f.svc.CheckExpiration(ctx, tenantID)
	require.NoError(t, err)
	assert.False(t, result.Expired)
	assert.True(t, result.InGrace)
	assert.Equal(t, 2, result.GraceRemainingDays)

	current, err := f.svc.GetTrial(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusActive, current.Status)

	f.clock.AdvanceDays(3)
	result, err = f.svc.CheckExpiration(ctx, tenantID)
	require.NoError(t, err)
	assert.True(t, result.Expired)
	assert.Equal(t, domain.TrialStatusExpired, result.Status)

	current, err = f.svc.GetTrial(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusExpired, current.Status)
	require.NotNil(t, current.ExpiredAt)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, f.trialMirror(t, account).Status)
}

func TestTerminalTrialRejectsTransitions(t *testing.T) {
	f := newFixture(t)
	f.start(t, tenantID)
	ctx := context.Background()

	cancelled, err := f.svc.CancelTrial(ctx, domain.CancelTrialRequest{TenantID: tenantID})
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusCancelled, cancelled.Status)

	_, err = f.svc.CancelTrial(ctx, domain.CancelTrialRequest{TenantID: tenantID})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.svc.ExtendTrial(ctx, domain.ExtendTrialRequest{TenantID: tenantID, Days: 7})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.svc.ConvertTrialToPaid(ctx, domain.ConvertTrialRequest{TenantID: tenantID})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	f.provider.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything)
}

func TestExtendTrialPushesExpiry(t *testing.T) {
	f := newFixture(t)
	account := f.start(t, tenantID)
	ctx := context.Background()

	extended, err := f.svc.ExtendTrial(ctx, domain.ExtendTrialRequest{TenantID: tenantID, Days: 7, Reason: "sales call"})
	require.NoError(t, err)
	assert.Equal(t, account.ExpiresAt.AddDate(0, 0, 7), extended.ExpiresAt)
	assert.Equal(t, 1, extended.ExtensionCount)
	assert.Equal(t, extended.ExpiresAt.AddDate(0, 0, 3), extended.GraceEndsAt)
	assert.Equal(t, domain.TrialStatusActive, extended.Status)

	mirror := f.trialMirror(t, account)
	require.NotNil(t, mirror.CurrentPeriodEnd)
	assert.True(t, mirror.CurrentPeriodEnd.Equal(extended.ExpiresAt))

	_, err = f.svc.ExtendTrial(ctx, domain.ExtendTrialRequest{TenantID: tenantID, Days: 7})
	assert.ErrorIs(t, err, domain.ErrMaxExtensions)
	_, err = f.svc.ExtendTrial(ctx, domain.ExtendTrialRequest{TenantID: tenantID, Days: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidExtension)
}

func TestConvertTrialToPaid(t *testing.T) {
	f := newFixture(t)
	account := f.start(t, tenantID)
	ctx := context.Background()
	_, err := f.customers.Link(ctx, customerdomain.LinkCustomerRequest{
		TenantID: tenantID, Provider: "stripe", ExternalCustomerID: "cus_7",
	})
	require.NoError(t, err)

	periodEnd := f.clock.Now().AddDate(0, 1, 0)
	f.provider.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(req billingdomain.CreateSubscriptionRequest) bool {
		return req.CustomerID == "cus_7" && req.PriceID == "price_pro"
	})).Return(&billingdomain.Subscription{
		ID:               "sub_new",
		CustomerID:       "cus_7",
		Status:           billingdomain.StatusActive,
		CurrentPeriodEnd: &periodEnd,
		Items:            []billingdomain.SubscriptionItem{{ID: "si_1", PriceID: "price_pro", ProductID: "prod_pro"}},
	}, nil).Once()

	converted, err := f.svc.ConvertTrialToPaid(ctx, domain.ConvertTrialRequest{TenantID: tenantID})
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusConverted, converted.Status)
	require.NotNil(t, converted.ConvertedSubscriptionID)
	assert.Equal(t, "sub_new", *converted.ConvertedSubscriptionID)
	require.NotNil(t, converted.ConvertedTier)
	assert.Equal(t, "PRO", *converted.ConvertedTier)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, f.trialMirror(t, account).Status)
	paid, err := f.subscriptions.HasActivePaid(ctx, tenantID)
	require.NoError(t, err)
	assert.True(t, paid)
	f.provider.AssertExpectations(t)
}

func TestConvertTrialRequiresCustomer(t *testing.T) {
	f := newFixture(t)
	f.start(t, tenantID)

	_, err := f.svc.ConvertTrialToPaid(context.Background(), domain.ConvertTrialRequest{TenantID: tenantID})
	assert.ErrorIs(t, err, domain.ErrNoCustomer)

	current, err := f.svc.GetTrial(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusActive, current.Status)
}

func TestConvertTrialProviderFailureKeepsTrial(t *testing.T) {
	f := newFixture(t)
	f.start(t, tenantID)
	ctx := context.Background()
	_, err := f.customers.Link(ctx, customerdomain.LinkCustomerRequest{
		TenantID: tenantID, Provider: "stripe", ExternalCustomerID: "cus_7",
	})
	require.NoError(t, err)
	f.provider.On("CreateSubscription", mock.Anything, mock.Anything).
		Return(nil, billingdomain.ErrProviderUnavailable).Once()

	_, err = f.svc.ConvertTrialToPaid(ctx, domain.ConvertTrialRequest{TenantID: tenantID})
	assert.ErrorIs(t, err, billingdomain.ErrProviderUnavailable)

	current, err := f.svc.GetTrial(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusActive, current.Status)
}

func TestExpireDueOnlyExpiresPastGrace(t *testing.T) {
	f := newFixture(t)
	f.start(t, tenantID)
	f.clock.AdvanceDays(16)
	f.start(t, tenantID+1)

	f.clock.AdvanceDays(2)
	expired, err := f.svc.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	first, err := f.svc.GetTrial(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusExpired, first.Status)
	second, err := f.svc.GetTrial(context.Background(), tenantID+1)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusActive, second.Status)
}

func TestExpireDueReachesPastGraceBehindLongGraceTrials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grace := 30
	_, err := f.svc.UpsertTrialConfig(ctx, domain.UpsertTrialConfigRequest{
		Name: "Long Grace", DurationDays: 14, TargetTier: "pro", GracePeriodDays: &grace,
	})
	require.NoError(t, err)

	_, err = f.svc.StartTrial(ctx, domain.StartTrialRequest{TenantID: tenantID, ConfigCode: "long-grace"})
	require.NoError(t, err)
	f.clock.AdvanceDays(1)
	f.start(t, tenantID+1)

	// Both trials are past expiry; only the second is past grace.
	f.clock.AdvanceDays(18)
	f.svc.(*Service).expireBatch = 1
	expired, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	inGrace, err := f.svc.GetTrial(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusActive, inGrace.Status)
	pastGrace, err := f.svc.GetTrial(ctx, tenantID+1)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusExpired, pastGrace.Status)
}

func TestUpsertTrialConfigValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpsertTrialConfig(ctx, domain.UpsertTrialConfigRequest{Name: "Gold", DurationDays: 7, TargetTier: "GOLD"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	_, err = f.svc.UpsertTrialConfig(ctx, domain.UpsertTrialConfigRequest{Name: "Starter", TargetTier: "STARTER"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	grace := 0
	tc, err := f.svc.UpsertTrialConfig(ctx, domain.UpsertTrialConfigRequest{
		Name: "Starter Demo", DurationDays: 7, TargetTier: "starter", GracePeriodDays: &grace,
	})
	require.NoError(t, err)
	assert.Equal(t, "starter-demo", tc.Code)
	assert.Equal(t, 0, tc.GracePeriodDays)

	configs, err := f.svc.ListTrialConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "pro-trial", configs[0].Code)
}
