package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"bb-go/internal/model"
)

func TestWithRetry(t *testing.T) {
	t.Run("throttled calls are retried until success", func(t *testing.T) {
		s := &DynamoStore{maxRetry: 10 * time.Second}

		attempts := 0
		err := s.withRetry(func(ctx context.Context) error {
			attempts++
			if attempts < 2 {
				return &types.ProvisionedThroughputExceededException{}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("withRetry failed: %v", err)
		}
		if attempts != 2 {
			t.Errorf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("non-retryable errors surface after a single attempt", func(t *testing.T) {
		s := &DynamoStore{maxRetry: 10 * time.Second}
		boom := errors.New("validation failed")

		attempts := 0
		err := s.withRetry(func(ctx context.Context) error {
			attempts++
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want %v", err, boom)
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("gives up after the elapsed budget", func(t *testing.T) {
		s := &DynamoStore{maxRetry: time.Millisecond}

		err := s.withRetry(func(ctx context.Context) error {
			return &types.RequestLimitExceeded{}
		})
		var limit *types.RequestLimitExceeded
		if !errors.As(err, &limit) {
			t.Fatalf("err = %v, want the throttling error", err)
		}
	})
}

func TestRepoItemRoundTrip(t *testing.T) {
	keepDaily, keepMonthly := 14, 12
	lastBackup := time.Date(2025, 5, 30, 8, 15, 0, 123456789, time.UTC)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	repo := &model.Repository{
		Name:         "documents",
		Path:         "/srv/borg/documents",
		BackupTarget: "/home/user/docs",
		Hostname:     "workstation",
		OSPlatform:   "linux",
		LastBackup:   &lastBackup,
		// LastS3Sync stays nil: never synced.
		Retention: &model.RetentionOverride{
			KeepDaily:   &keepDaily,
			KeepMonthly: &keepMonthly,
		},
		MetadataJSON:       `{"cache":{"stats":{"unique_size":42}}}`,
		PassphraseFilePath: "/home/user/.local/share/bb/passphrases/documents",
		PassphraseMigrated: true,
		CreatedAt:          created,
		UpdatedAt:          created.Add(time.Hour),
	}

	av, err := attributevalue.MarshalMap(repoToItem(repo))
	if err != nil {
		t.Fatalf("marshalling item: %v", err)
	}
	if _, ok := av["last_s3_sync"]; ok {
		t.Error("nil LastS3Sync must not produce an attribute")
	}
	if _, ok := av["passphrase"]; ok {
		t.Error("empty legacy passphrase must not produce an attribute")
	}
	if _, ok := av["retention_keep_weekly"]; ok {
		t.Error("unset retention cadence must not produce an attribute")
	}

	var item dynamoRepoItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		t.Fatalf("unmarshalling item: %v", err)
	}
	got := itemToRepo(item)

	if got.Name != repo.Name || got.Path != repo.Path || got.Hostname != repo.Hostname {
		t.Errorf("identity fields = (%q, %q, %q)", got.Name, got.Path, got.Hostname)
	}
	if got.BackupTarget != repo.BackupTarget || got.OSPlatform != repo.OSPlatform {
		t.Errorf("target fields = (%q, %q)", got.BackupTarget, got.OSPlatform)
	}
	if got.LastBackup == nil || !got.LastBackup.Equal(lastBackup) {
		t.Errorf("LastBackup = %v, want %v", got.LastBackup, lastBackup)
	}
	if got.LastS3Sync != nil {
		t.Errorf("LastS3Sync = %v, want nil", got.LastS3Sync)
	}
	if got.Retention == nil {
		t.Fatal("retention override was dropped")
	}
	if got.Retention.KeepDaily == nil || *got.Retention.KeepDaily != keepDaily {
		t.Errorf("KeepDaily = %v, want %d", got.Retention.KeepDaily, keepDaily)
	}
	if got.Retention.KeepWeekly != nil || got.Retention.KeepYearly != nil {
		t.Errorf("unset cadences came back non-nil: weekly=%v yearly=%v", got.Retention.KeepWeekly, got.Retention.KeepYearly)
	}
	if got.Retention.KeepMonthly == nil || *got.Retention.KeepMonthly != keepMonthly {
		t.Errorf("KeepMonthly = %v, want %d", got.Retention.KeepMonthly, keepMonthly)
	}
	if got.MetadataJSON != repo.MetadataJSON {
		t.Errorf("MetadataJSON = %q", got.MetadataJSON)
	}
	if got.Passphrase != "" || got.PassphraseFilePath != repo.PassphraseFilePath || !got.PassphraseMigrated {
		t.Errorf("passphrase fields = (%q, %q, %v)", got.Passphrase, got.PassphraseFilePath, got.PassphraseMigrated)
	}
	if !got.CreatedAt.Equal(repo.CreatedAt) || !got.UpdatedAt.Equal(repo.UpdatedAt) {
		t.Errorf("timestamps = (%v, %v), want (%v, %v)", got.CreatedAt, got.UpdatedAt, repo.CreatedAt, repo.UpdatedAt)
	}
}

func TestRepoWithoutOverridesRoundTrips(t *testing.T) {
	repo := &model.Repository{
		Name:      "photos",
		Path:      "/srv/borg/photos",
		Hostname:  "workstation",
		CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}

	av, err := attributevalue.MarshalMap(repoToItem(repo))
	if err != nil {
		t.Fatalf("marshalling item: %v", err)
	}
	var item dynamoRepoItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		t.Fatalf("unmarshalling item: %v", err)
	}
	got := itemToRepo(item)

	if got.Retention != nil {
		t.Errorf("Retention = %+v, want nil", got.Retention)
	}
	if got.LastBackup != nil || got.LastS3Sync != nil {
		t.Errorf("timestamps = (%v, %v), want nil", got.LastBackup, got.LastS3Sync)
	}
}

type stubAPIError struct{ code string }

func (e *stubAPIError) Error() string                 { return e.code }
func (e *stubAPIError) ErrorCode() string             { return e.code }
func (e *stubAPIError) ErrorMessage() string          { return e.code }
func (e *stubAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func TestIsThrottled(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"provisioned throughput", &types.ProvisionedThroughputExceededException{}, true},
		{"request limit", &types.RequestLimitExceeded{}, true},
		{"throttling code", &stubAPIError{code: "ThrottlingException"}, true},
		{"service unavailable", &stubAPIError{code: "ServiceUnavailable"}, true},
		{"conditional check", &types.ConditionalCheckFailedException{}, false},
		{"plain error", errors.New("broken pipe"), false},
		{"other api error", &stubAPIError{code: "ValidationException"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isThrottled(tt.err); got != tt.want {
				t.Errorf("isThrottled(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
