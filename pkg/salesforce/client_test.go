package salesforce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// mockClient implements Client for testing.
type mockClient struct {
	queryFn           func(ctx context.Context, soql string, out any) error
	describeSObjectFn func(ctx context.Context, name string) (*SObjectDescription, error)
}

func (m *mockClient) Query(ctx context.Context, soql string, out any) error {
	if m.queryFn != nil {
		return m.queryFn(ctx, soql, out)
	}
	return nil
}

func (m *mockClient) DescribeSObject(ctx context.Context, name string) (*SObjectDescription, error) {
	if m.describeSObjectFn != nil {
		return m.describeSObjectFn(ctx, name)
	}
	return &SObjectDescription{Name: name, Label: name}, nil
}

var (
	_ Client = (*mockClient)(nil)
	_ Client = (*sfClient)(nil)
)

func TestWithRateLimit(t *testing.T) {
	tests := []struct {
		name      string
		opts      []ClientOption
		wantLimit rate.Limit
		wantBurst int
	}{
		{"no option", nil, 0, 0},
		{"zero rate", []ClientOption{WithRateLimit(0)}, 0, 0},
		{"negative rate", []ClientOption{WithRateLimit(-5)}, 0, 0},
		{"whole rate", []ClientOption{WithRateLimit(10)}, 10, 10},
		{"fractional rate", []ClientOption{WithRateLimit(0.5)}, 0.5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(nil, tt.opts...).(*sfClient)
			if tt.wantBurst == 0 {
				assert.Nil(t, c.limiter)
				return
			}
			require.NotNil(t, c.limiter)
			assert.Equal(t, tt.wantLimit, c.limiter.Limit())
			assert.Equal(t, tt.wantBurst, c.limiter.Burst())
		})
	}
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	c := &sfClient{
		limiter: rate.NewLimiter(rate.Every(time.Hour), 0),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.wait(ctx)
	assert.Error(t, err)

	err = c.Query(ctx, "SELECT Id FROM Contact", &[]Contact{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sf: rate limit")
}

func TestConnect_Validation(t *testing.T) {
	_, err := Connect(JWTCreds{})
	assert.ErrorContains(t, err, "client id is required")

	_, err = Connect(JWTCreds{ClientID: "cid", KeyPath: "/nonexistent/key.pem"})
	assert.ErrorContains(t, err, "read JWT private key")
}

func TestSObjectDescription_HasField(t *testing.T) {
	d := &SObjectDescription{Fields: []SObjectField{{Name: "Title"}, {Name: "Email"}}}
	assert.True(t, d.HasField("Title"))
	assert.False(t, d.HasField("Birthdate"))
}
