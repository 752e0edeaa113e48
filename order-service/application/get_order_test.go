package application

import (
	"context"
	"testing"
	"time"

	"github.com/draftea/order-saga/order-service/domain"
	"github.com/draftea/order-saga/order-service/mocks"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestGetOrder_ByOrderID(t *testing.T) {
	tests := []struct {
		name          string
		orderID       string
		setupMocks    func(*mocks.MockSagaRepository)
		expectedError error
	}{
		{
			name:    "found",
			orderID: correlationID.String(),
			setupMocks: func(repo *mocks.MockSagaRepository) {
				repo.EXPECT().FindByOrderID(mock.Anything, correlationID).Return(submittedSaga(domain.StateCompensating, 3), nil).Once()
			},
		},
		{
			name:          "invalid id",
			orderID:       "not-a-uuid",
			setupMocks:    func(repo *mocks.MockSagaRepository) {},
			expectedError: domain.ErrSagaNotFound,
		},
		{
			name:    "absent",
			orderID: correlationID.String(),
			setupMocks: func(repo *mocks.MockSagaRepository) {
				repo.EXPECT().FindByOrderID(mock.Anything, correlationID).Return(nil, nil).Once()
			},
			expectedError: domain.ErrSagaNotFound,
		},
		{
			name:    "store failure",
			orderID: correlationID.String(),
			setupMocks: func(repo *mocks.MockSagaRepository) {
				repo.EXPECT().FindByOrderID(mock.Anything, correlationID).Return(nil, errors.New("timeout")).Once()
			},
			expectedError: saga.ErrStoreUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := mocks.NewMockSagaRepository(t)
			tt.setupMocks(repo)

			response, err := NewGetOrder(repo).ByOrderID(context.Background(), tt.orderID)

			if tt.expectedError != nil {
				assert.True(t, errors.Is(err, tt.expectedError), err)
				assert.Nil(t, response)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, correlationID.String(), response.ID)
			assert.Equal(t, "Compensating", response.Status)
			assert.Equal(t, 150.25, response.TotalAmount)
			assert.Equal(t, "USD", response.Currency)
		})
	}
}

func TestGetOrder_SagaByCorrelationID(t *testing.T) {
	repo := mocks.NewMockSagaRepository(t)
	reason := "Payment failed: Card declined"
	s := submittedSaga(domain.StateFailed, 4)
	s.FailureReason = &reason
	repo.EXPECT().FindByCorrelationID(mock.Anything, correlationID).Return(s, nil).Once()

	response, err := NewGetOrder(repo).SagaByCorrelationID(context.Background(), correlationID.String())

	require.NoError(t, err)
	assert.Equal(t, "Failed", response.CurrentState)
	assert.Equal(t, 4, response.Version)
	require.NotNil(t, response.FailureReason)
	assert.Equal(t, reason, *response.FailureReason)
}

func TestGetOrder_List(t *testing.T) {
	tests := []struct {
		name          string
		limit         int
		expectedLimit int
	}{
		{name: "default limit", limit: 0, expectedLimit: DefaultListLimit},
		{name: "custom limit", limit: 10, expectedLimit: 10},
		{name: "capped limit", limit: 5000, expectedLimit: MaxListLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := mocks.NewMockSagaRepository(t)
			older := submittedSaga(domain.StateCompleted, 4)
			older.Timestamps = models.NewTimestamps(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
			repo.EXPECT().ListRecent(mock.Anything, tt.expectedLimit).Return([]*domain.OrderSaga{submittedSaga(domain.StateSubmitted, 1), older}, nil).Once()

			orders, err := NewGetOrder(repo).List(context.Background(), tt.limit)

			require.NoError(t, err)
			require.Len(t, orders, 2)
			assert.Equal(t, "Submitted", orders[0].Status)
			assert.Equal(t, "Completed", orders[1].Status)
		})
	}
}
