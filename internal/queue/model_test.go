package queue

import (
	"errors"
	"strings"
	"testing"
)

func TestEnqueueRequestValidate(t *testing.T) {
	entityID := "crop-1"

	tests := []struct {
		name        string
		request     EnqueueRequest
		expectedOp  OperationType
		expectedErr error
	}{
		{
			name: "create without entity id is allowed",
			request: EnqueueRequest{
				UserID:        "farmer-1",
				EntityType:    "crop",
				OperationType: "CREATE",
				Payload:       `{"name":"wheat"}`,
			},
			expectedOp: OperationTypeCreate,
		},
		{
			name: "operation is case insensitive",
			request: EnqueueRequest{
				UserID:        "farmer-1",
				EntityType:    "crop",
				EntityID:      &entityID,
				OperationType: "update",
			},
			expectedOp: OperationTypeUpdate,
		},
		{
			name: "blank user id rejected",
			request: EnqueueRequest{
				UserID:        "   ",
				EntityType:    "crop",
				OperationType: "CREATE",
			},
			expectedErr: ErrInvalidUserID,
		},
		{
			name: "oversized user id rejected",
			request: EnqueueRequest{
				UserID:        strings.Repeat("x", maxIdentifierLength+1),
				EntityType:    "crop",
				OperationType: "CREATE",
			},
			expectedErr: ErrInvalidUserID,
		},
		{
			name: "blank entity type rejected",
			request: EnqueueRequest{
				UserID:        "farmer-1",
				EntityType:    "",
				OperationType: "CREATE",
			},
			expectedErr: ErrInvalidEntityType,
		},
		{
			name: "unknown operation rejected",
			request: EnqueueRequest{
				UserID:        "farmer-1",
				EntityType:    "crop",
				OperationType: "UPSERT",
			},
			expectedErr: ErrInvalidOperation,
		},
		{
			name: "update without entity id rejected",
			request: EnqueueRequest{
				UserID:        "farmer-1",
				EntityType:    "crop",
				OperationType: "UPDATE",
			},
			expectedErr: ErrMissingEntityID,
		},
		{
			name: "delete without entity id rejected",
			request: EnqueueRequest{
				UserID:        "farmer-1",
				EntityType:    "crop",
				OperationType: "DELETE",
			},
			expectedErr: ErrMissingEntityID,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			opType, err := testCase.request.Validate()
			if testCase.expectedErr != nil {
				if !errors.Is(err, testCase.expectedErr) {
					t.Fatalf("expected %v, got %v", testCase.expectedErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if opType != testCase.expectedOp {
				t.Fatalf("expected operation %q, got %q", testCase.expectedOp, opType)
			}
		})
	}
}
