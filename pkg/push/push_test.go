package push

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTokenRepository struct {
	mock.Mock
}

func (m *MockTokenRepository) Store(ctx context.Context, token *Token) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockTokenRepository) GetByUserID(ctx context.Context, userID string) ([]*Token, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Token), args.Error(1)
}

func (m *MockTokenRepository) GetByToken(ctx context.Context, token string) (*Token, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Token), args.Error(1)
}

func (m *MockTokenRepository) Update(ctx context.Context, token *Token) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockTokenRepository) DeleteByUserID(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockTokenRepository) MarkInactive(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func callPayload() *CallNotificationData {
	return &CallNotificationData{
		CallID:     "call-1",
		SessionID:  "alice_bob",
		CallerID:   "alice",
		CallerName: "Alice",
		CallType:   "video",
		Timestamp:  1700000000,
	}
}

type countingRecorder struct {
	sent   []string
	failed []string
}

func (r *countingRecorder) RecordPushNotification(notifType, platform string) {
	r.sent = append(r.sent, notifType+"/"+platform)
}

func (r *countingRecorder) RecordPushNotificationFailure(notifType, platform, reason string) {
	r.failed = append(r.failed, notifType+"/"+platform+"/"+reason)
}

func TestSendIncomingCall(t *testing.T) {
	provider := &MockProvider{Invalid: map[string]bool{"stale": true}}
	repo := new(MockTokenRepository)
	recorder := &countingRecorder{}
	service := NewService(provider, repo).WithMetrics(recorder)

	repo.On("GetByUserID", mock.Anything, "bob").Return([]*Token{
		{Token: "phone", Active: true, Platform: "ios"},
		{Token: "stale", Active: true, Platform: "android"},
		{Token: "old", Active: false},
	}, nil)
	repo.On("MarkInactive", mock.Anything, "stale").Return(nil)

	err := service.SendIncomingCall(context.Background(), callPayload(), "bob")

	require.NoError(t, err)
	sent := provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Alice is calling you", sent[0].Body)
	assert.Equal(t, "incoming_call", sent[0].Data["type"])
	assert.Equal(t, "high", sent[0].Priority)
	assert.Equal(t, []string{"incoming_call/ios"}, recorder.sent)
	assert.Equal(t, []string{"incoming_call/android/invalid_token"}, recorder.failed)
	repo.AssertExpectations(t)
}

func TestSendMissedCall_NoTokens(t *testing.T) {
	provider := &MockProvider{}
	repo := new(MockTokenRepository)
	service := NewService(provider, repo)

	repo.On("GetByUserID", mock.Anything, "bob").Return([]*Token{}, nil)

	assert.NoError(t, service.SendMissedCall(context.Background(), callPayload(), "bob"))
	assert.Empty(t, provider.Sent())
}

func TestSendIncomingCall_RepositoryError(t *testing.T) {
	repo := new(MockTokenRepository)
	service := NewService(&MockProvider{}, repo)

	repo.On("GetByUserID", mock.Anything, "bob").Return(nil, errors.New("redis down"))

	assert.Error(t, service.SendIncomingCall(context.Background(), callPayload(), "bob"))
}

func TestRegisterToken(t *testing.T) {
	repo := new(MockTokenRepository)
	service := NewService(&MockProvider{}, repo)
	ctx := context.Background()

	fresh := &Token{UserID: "bob", Token: "phone", Type: TokenTypeFCM}
	repo.On("GetByToken", mock.Anything, "phone").Return(nil, nil).Once()
	repo.On("Store", mock.Anything, fresh).Return(nil)
	require.NoError(t, service.RegisterToken(ctx, fresh))

	existing := &Token{ID: "t1", UserID: "carol", Token: "phone", Active: false}
	repo.On("GetByToken", mock.Anything, "phone").Return(existing, nil).Once()
	repo.On("Update", mock.Anything, mock.MatchedBy(func(tok *Token) bool {
		return tok.ID == "t1" && tok.UserID == "bob" && tok.Active
	})).Return(nil)
	require.NoError(t, service.RegisterToken(ctx, &Token{UserID: "bob", Token: "phone"}))

	repo.AssertExpectations(t)
}
