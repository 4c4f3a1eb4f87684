package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/push"
)

// Mocks
type MockFeedRepository struct {
	mock.Mock
}

func (m *MockFeedRepository) Create(ctx context.Context, notification *domain.NotificationCreate) (*domain.Notification, error) {
	args := m.Called(ctx, notification)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Notification), args.Error(1)
}

func (m *MockFeedRepository) MarkPushed(ctx context.Context, notificationID string) error {
	args := m.Called(ctx, notificationID)
	return args.Error(0)
}

type MockPushSender struct {
	mock.Mock
}

func (m *MockPushSender) SendIncomingCall(ctx context.Context, data *push.CallNotificationData, calleeID string) error {
	args := m.Called(ctx, data, calleeID)
	return args.Error(0)
}

func (m *MockPushSender) SendMissedCall(ctx context.Context, data *push.CallNotificationData, calleeID string) error {
	args := m.Called(ctx, data, calleeID)
	return args.Error(0)
}

func incomingNotice() domain.CallNotice {
	return domain.CallNotice{
		RecipientID: "bob",
		Kind:        domain.NoticeIncomingCall,
		CallID:      "call-1",
		CallerID:    "alice",
		CallerName:  "Alice",
		CallType:    domain.CallTypeVideo,
	}
}

func TestPush_IncomingCall(t *testing.T) {
	feed := new(MockFeedRepository)
	sender := new(MockPushSender)
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	service := NewService(feed, sender, clk)

	feed.On("Create", mock.Anything, mock.MatchedBy(func(n *domain.NotificationCreate) bool {
		return n.UserID == "bob" && n.Type == "incoming_call" && n.Body == "Alice is calling you"
	})).Return(&domain.Notification{NotificationID: "n1"}, nil)
	sender.On("SendIncomingCall", mock.Anything, &push.CallNotificationData{
		CallID:     "call-1",
		SessionID:  "alice_bob",
		CallerID:   "alice",
		CallerName: "Alice",
		CallType:   "video",
		Timestamp:  1700000000,
	}, "bob").Return(nil)
	feed.On("MarkPushed", mock.Anything, "n1").Return(nil)

	err := service.Push(context.Background(), incomingNotice())

	assert.NoError(t, err)
	feed.AssertExpectations(t)
	sender.AssertExpectations(t)
}

func TestPush_MissedCall(t *testing.T) {
	sender := new(MockPushSender)
	service := NewService(nil, sender, nil)

	notice := incomingNotice()
	notice.Kind = domain.NoticeMissedCall
	sender.On("SendMissedCall", mock.Anything, mock.Anything, "bob").Return(nil)

	assert.NoError(t, service.Push(context.Background(), notice))
	sender.AssertNotCalled(t, "SendIncomingCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestPush_FeedFailureStillPushes(t *testing.T) {
	feed := new(MockFeedRepository)
	sender := new(MockPushSender)
	service := NewService(feed, sender, nil)

	feed.On("Create", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))
	sender.On("SendIncomingCall", mock.Anything, mock.Anything, "bob").Return(nil)

	err := service.Push(context.Background(), incomingNotice())

	assert.Error(t, err)
	sender.AssertExpectations(t)
	feed.AssertNotCalled(t, "MarkPushed", mock.Anything, mock.Anything)
}

func TestPush_SendFailureLeavesRowUnpushed(t *testing.T) {
	feed := new(MockFeedRepository)
	sender := new(MockPushSender)
	service := NewService(feed, sender, nil)

	feed.On("Create", mock.Anything, mock.Anything).Return(&domain.Notification{NotificationID: "n1"}, nil)
	sender.On("SendIncomingCall", mock.Anything, mock.Anything, "bob").Return(errors.New("fcm unavailable"))

	err := service.Push(context.Background(), incomingNotice())

	assert.Error(t, err)
	feed.AssertNotCalled(t, "MarkPushed", mock.Anything, mock.Anything)
}

func TestPush_RequiresRecipient(t *testing.T) {
	service := NewService(nil, nil, nil)
	assert.Error(t, service.Push(context.Background(), domain.CallNotice{Kind: domain.NoticeIncomingCall}))
}
