package conflict

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("conflict-%04d", p.next), nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	dsn := fmt.Sprintf("file:conflict_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Conflict{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1_760_000_000, 0).UTC() },
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to build conflict service: %v", err)
	}
	return service
}

func mustDetect(t *testing.T, service *Service, request DetectRequest) Conflict {
	t.Helper()
	record, err := service.Detect(context.Background(), request)
	if err != nil {
		t.Fatalf("failed to detect conflict: %v", err)
	}
	return record
}

func sampleRequest() DetectRequest {
	return DetectRequest{
		UserID:                "farmer-1",
		EntityType:            "crop",
		EntityID:              "crop-7",
		LocalData:             `{"yield":10}`,
		LocalTimestampMillis:  1000,
		LocalDeviceID:         "device-a",
		RemoteData:            `{"yield":12}`,
		RemoteTimestampMillis: 2000,
		RemoteDeviceID:        "device-b",
	}
}

func TestTimestampWinnerIsDeterministic(t *testing.T) {
	tests := []struct {
		name           string
		localMillis    int64
		remoteMillis   int64
		localDevice    string
		remoteDevice   string
		expectedWinner string
	}{
		{"later remote wins", 1000, 2000, "device-a", "device-b", WinnerRemote},
		{"later local wins", 3000, 2000, "device-a", "device-b", WinnerLocal},
		{"tie falls to greater device id", 2000, 2000, "device-a", "device-b", WinnerRemote},
		{"tie with greater local device", 2000, 2000, "device-z", "device-b", WinnerLocal},
		{"tie with equal devices keeps local", 2000, 2000, "device-a", "device-a", WinnerLocal},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			record := Conflict{
				LocalTimestampMillis:  testCase.localMillis,
				RemoteTimestampMillis: testCase.remoteMillis,
				LocalDeviceID:         testCase.localDevice,
				RemoteDeviceID:        testCase.remoteDevice,
			}
			if winner := timestampWinner(record); winner != testCase.expectedWinner {
				t.Fatalf("expected %s, got %s", testCase.expectedWinner, winner)
			}
		})
	}
}

// Both devices must reach the same decision regardless of which side they
// call local, otherwise two peers resolve the same pair differently.
func TestTimestampWinnerAgreesUnderPerspectiveSwap(t *testing.T) {
	record := Conflict{
		LocalData:             `{"device":"a"}`,
		LocalTimestampMillis:  2000,
		LocalDeviceID:         "device-a",
		RemoteData:            `{"device":"b"}`,
		RemoteTimestampMillis: 2000,
		RemoteDeviceID:        "device-b",
	}
	mirrored := Conflict{
		LocalData:             record.RemoteData,
		LocalTimestampMillis:  record.RemoteTimestampMillis,
		LocalDeviceID:         record.RemoteDeviceID,
		RemoteData:            record.LocalData,
		RemoteTimestampMillis: record.LocalTimestampMillis,
		RemoteDeviceID:        record.LocalDeviceID,
	}

	winner := timestampWinner(record)
	mirroredWinner := timestampWinner(mirrored)
	if winnerData(record, winner) != winnerData(mirrored, mirroredWinner) {
		t.Fatalf("the two perspectives picked different payloads")
	}
}

func TestOverlapsIgnoresSameDeviceAndOrderedEdits(t *testing.T) {
	request := sampleRequest()
	if !request.Overlaps() {
		t.Fatalf("divergent cross-device edits must overlap")
	}

	sameDevice := sampleRequest()
	sameDevice.RemoteDeviceID = sameDevice.LocalDeviceID
	if sameDevice.Overlaps() {
		t.Fatalf("edits from the same device never conflict")
	}

	ordered := sampleRequest()
	ordered.RemoteTimestampMillis = 500
	if ordered.Overlaps() {
		t.Fatalf("a strictly earlier remote edit is already ordered")
	}

	unknown := sampleRequest()
	unknown.RemoteDeviceID = ""
	unknown.RemoteTimestampMillis = 0
	if !unknown.Overlaps() {
		t.Fatalf("an unidentified remote version cannot be ruled out")
	}
}

func TestDetectRejectsNonOverlappingEdits(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*DetectRequest)
	}{
		{"same device", func(r *DetectRequest) {
			r.RemoteDeviceID = r.LocalDeviceID
			r.RemoteTimestampMillis = r.LocalTimestampMillis - 500
		}},
		{"strictly earlier remote", func(r *DetectRequest) {
			r.RemoteTimestampMillis = r.LocalTimestampMillis - 1
		}},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			request := sampleRequest()
			testCase.mutate(&request)
			if _, err := service.Detect(ctx, request); !errors.Is(err, ErrNotOverlapping) {
				t.Fatalf("expected ErrNotOverlapping, got %v", err)
			}
		})
	}

	count, err := service.CountOpen(ctx, "farmer-1")
	if err != nil {
		t.Fatalf("failed to count open conflicts: %v", err)
	}
	if count != 0 {
		t.Fatalf("non-overlapping edits must leave no record, got %d", count)
	}
}

func TestDetectReusesOpenConflictForSameEntity(t *testing.T) {
	service := newTestService(t)

	first := mustDetect(t, service, sampleRequest())
	if first.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", first.Status)
	}
	if first.SuggestedWinner != WinnerRemote {
		t.Fatalf("expected eager remote suggestion, got %q", first.SuggestedWinner)
	}

	second := mustDetect(t, service, sampleRequest())
	if second.ID != first.ID {
		t.Fatalf("re-detection must reuse the open conflict, got %s and %s", first.ID, second.ID)
	}

	open, err := service.OpenConflicts(context.Background(), "farmer-1")
	if err != nil {
		t.Fatalf("failed to list open conflicts: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly one open conflict, got %d", len(open))
	}
}

func TestResolveTimestampPicksLaterEdit(t *testing.T) {
	service := newTestService(t)
	record := mustDetect(t, service, sampleRequest())

	resolved, err := service.Resolve(context.Background(), record.ID, StrategyTimestamp)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if resolved.Status != StatusAutoResolved {
		t.Fatalf("expected AUTO_RESOLVED, got %s", resolved.Status)
	}
	if resolved.ResolvedData != `{"yield":12}` {
		t.Fatalf("expected the later remote payload to win, got %s", resolved.ResolvedData)
	}
	if resolved.ResolvedBy != "SYSTEM" {
		t.Fatalf("auto resolution must record SYSTEM, got %q", resolved.ResolvedBy)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	service := newTestService(t)
	record := mustDetect(t, service, sampleRequest())

	first, err := service.Resolve(context.Background(), record.ID, StrategyLocalWins)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	second, err := service.Resolve(context.Background(), record.ID, StrategyRemoteWins)
	if err != nil {
		t.Fatalf("repeat resolution failed: %v", err)
	}
	if second.ResolvedData != first.ResolvedData {
		t.Fatalf("repeat resolution must return the recorded winner, got %s", second.ResolvedData)
	}
	if second.ResolutionStrategy != StrategyLocalWins {
		t.Fatalf("recorded strategy must not change, got %s", second.ResolutionStrategy)
	}
}

func TestResolveMergeUsesRegisteredFunction(t *testing.T) {
	service := newTestService(t)
	service.RegisterMerge("crop", func(localData, remoteData string) (string, error) {
		return `{"merged":true}`, nil
	})
	record := mustDetect(t, service, sampleRequest())

	resolved, err := service.Resolve(context.Background(), record.ID, StrategyMerge)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if resolved.ResolvedData != `{"merged":true}` {
		t.Fatalf("expected merged payload, got %s", resolved.ResolvedData)
	}
	if resolved.ResolutionStrategy != StrategyMerge {
		t.Fatalf("expected MERGE strategy, got %s", resolved.ResolutionStrategy)
	}
}

func TestResolveMergeFallsBackToTimestampWithoutFunction(t *testing.T) {
	service := newTestService(t)
	record := mustDetect(t, service, sampleRequest())

	resolved, err := service.Resolve(context.Background(), record.ID, StrategyMerge)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if resolved.ResolutionStrategy != StrategyTimestamp {
		t.Fatalf("expected TIMESTAMP fallback, got %s", resolved.ResolutionStrategy)
	}
	if resolved.ResolvedData != `{"yield":12}` {
		t.Fatalf("expected the timestamp winner payload, got %s", resolved.ResolvedData)
	}
}

func TestManualStrategyParksConflictUntilUserDecides(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	record := mustDetect(t, service, sampleRequest())

	parked, err := service.Resolve(ctx, record.ID, StrategyManual)
	if err != nil {
		t.Fatalf("failed to park conflict: %v", err)
	}
	if parked.Status != StatusManualResolution {
		t.Fatalf("expected MANUAL_RESOLUTION, got %s", parked.Status)
	}
	if parked.SuggestedWinner != WinnerRemote {
		t.Fatalf("suggestion must survive parking, got %q", parked.SuggestedWinner)
	}

	custom := `{"yield":11}`
	decided, err := service.ResolveManually(ctx, record.ID, &custom, "farmer-1")
	if err != nil {
		t.Fatalf("failed to resolve manually: %v", err)
	}
	if decided.Status != StatusResolved {
		t.Fatalf("expected RESOLVED, got %s", decided.Status)
	}
	if decided.ResolvedData != custom {
		t.Fatalf("expected custom payload, got %s", decided.ResolvedData)
	}
	if decided.ResolvedBy != "farmer-1" {
		t.Fatalf("expected resolver identity, got %q", decided.ResolvedBy)
	}
}

func TestResolveRejectsUnknownStrategy(t *testing.T) {
	service := newTestService(t)
	record := mustDetect(t, service, sampleRequest())

	_, err := service.Resolve(context.Background(), record.ID, ResolutionStrategy("COIN_FLIP"))
	if !errors.Is(err, ErrInvalidStrategy) {
		t.Fatalf("expected invalid strategy error, got %v", err)
	}
}

func TestResolveUnknownConflictReturnsNotFound(t *testing.T) {
	service := newTestService(t)

	_, err := service.Resolve(context.Background(), "missing", StrategyTimestamp)
	if !errors.Is(err, ErrConflictNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAutoResolveAllLeavesParkedConflictsAlone(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	mustDetect(t, service, sampleRequest())
	other := sampleRequest()
	other.EntityID = "crop-8"
	parked := mustDetect(t, service, other)
	if _, err := service.Resolve(ctx, parked.ID, StrategyManual); err != nil {
		t.Fatalf("failed to park conflict: %v", err)
	}

	resolved, err := service.AutoResolveAll(ctx, "farmer-1")
	if err != nil {
		t.Fatalf("failed to auto-resolve: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("expected one auto-resolved conflict, got %d", resolved)
	}

	count, err := service.CountOpen(ctx, "farmer-1")
	if err != nil {
		t.Fatalf("failed to count open conflicts: %v", err)
	}
	if count != 1 {
		t.Fatalf("the parked conflict must stay open, got %d", count)
	}
}

func TestExpireStaleDeletesOnlyResolvedConflictsPastCutoff(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	record := mustDetect(t, service, sampleRequest())
	if _, err := service.Resolve(ctx, record.ID, StrategyTimestamp); err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	open := sampleRequest()
	open.EntityID = "crop-9"
	mustDetect(t, service, open)

	expired, err := service.ExpireStale(ctx, time.Unix(1_760_000_001, 0).UTC())
	if err != nil {
		t.Fatalf("failed to expire: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expired conflict, got %d", expired)
	}
	count, err := service.CountOpen(ctx, "farmer-1")
	if err != nil {
		t.Fatalf("failed to count open conflicts: %v", err)
	}
	if count != 1 {
		t.Fatalf("open conflicts must survive expiry, got %d", count)
	}
}
