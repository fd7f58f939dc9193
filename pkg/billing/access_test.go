package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEntitlements struct {
	ent *UserEntitlement
	err error
}

func (s stubEntitlements) GetEntitlement(context.Context, string) (*UserEntitlement, error) {
	return s.ent, s.err
}

type stubSubscriptions struct {
	sub *Subscription
	err error
}

func (s stubSubscriptions) GetSubscription(context.Context, string) (*Subscription, error) {
	return s.sub, s.err
}

func TestAccessChecker(t *testing.T) {
	errDown := errors.New("connection refused")
	active := &UserEntitlement{UserID: "u1", Status: StatusActive}
	canceled := &UserEntitlement{UserID: "u1", Status: StatusCanceled}
	trialingSub := &Subscription{UserID: "u1", Status: StatusTrialing, UpdatedAt: time.Now()}
	pastDueSub := &Subscription{UserID: "u1", Status: StatusPastDue}

	tests := []struct {
		name       string
		ents       stubEntitlements
		subs       SubscriptionReader
		wantStatus Status
		wantErr    error
		transient  bool
	}{
		{name: "active projection", ents: stubEntitlements{ent: active}, wantStatus: StatusActive},
		{name: "inactive projection", ents: stubEntitlements{ent: canceled}, wantErr: ErrSubscriptionRequired},
		{name: "no projection", ents: stubEntitlements{err: ErrEntitlementNotFound}, wantErr: ErrSubscriptionRequired},
		{name: "projection unreadable", ents: stubEntitlements{err: errDown}, transient: true},
		{
			name:       "lagging projection confirmed by canonical row",
			ents:       stubEntitlements{ent: canceled},
			subs:       stubSubscriptions{sub: trialingSub},
			wantStatus: StatusTrialing,
		},
		{
			name:       "projection unreadable falls back",
			ents:       stubEntitlements{err: errDown},
			subs:       stubSubscriptions{sub: trialingSub},
			wantStatus: StatusTrialing,
		},
		{
			name:    "canonical row not entitled",
			ents:    stubEntitlements{err: ErrEntitlementNotFound},
			subs:    stubSubscriptions{sub: pastDueSub},
			wantErr: ErrSubscriptionRequired,
		},
		{
			name:    "no canonical row",
			ents:    stubEntitlements{err: ErrEntitlementNotFound},
			subs:    stubSubscriptions{err: ErrSubscriptionNotFound},
			wantErr: ErrSubscriptionRequired,
		},
		{
			name:      "both unreadable",
			ents:      stubEntitlements{err: errDown},
			subs:      stubSubscriptions{err: errDown},
			transient: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewAccessChecker(tt.ents, tt.subs)
			ent, err := c.Check(context.Background(), "u1")
			switch {
			case tt.transient:
				require.Error(t, err)
				assert.Equal(t, KindTransient, KindOf(err))
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, KindForbidden, KindOf(err))
				assert.Equal(t, "SUBSCRIPTION_REQUIRED", CodeOf(err))
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantStatus, ent.Status)
			}
		})
	}
}
