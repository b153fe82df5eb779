package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"

	"bb-go/internal/model"
)

// Table key schemas the dynamo backend expects:
//
//	repos:    HASH repo_path, RANGE hostname, GSI name_gsi on repo_name
//	archives: HASH repo_name, RANGE iso_timestamp
//	stats:    HASH repo_name
const repoNameIndex = "name_gsi"

// DynamoStore implements Store on a set of DynamoDB tables. Throttled calls
// are retried with exponential backoff up to maxRetry elapsed time.
type DynamoStore struct {
	client        *dynamodb.Client
	reposTable    string
	archivesTable string
	statsTable    string
	maxRetry      time.Duration
}

func NewDynamoStore(client *dynamodb.Client, reposTable, archivesTable, statsTable string, maxRetry time.Duration) *DynamoStore {
	if maxRetry <= 0 {
		maxRetry = 30 * time.Second
	}
	return &DynamoStore{
		client:        client,
		reposTable:    reposTable,
		archivesTable: archivesTable,
		statsTable:    statsTable,
		maxRetry:      maxRetry,
	}
}

func (s *DynamoStore) Close() error { return nil }

type dynamoRepoItem struct {
	RepoPath           string `dynamodbav:"repo_path"`
	Hostname           string `dynamodbav:"hostname"`
	RepoName           string `dynamodbav:"repo_name"`
	BackupTarget       string `dynamodbav:"backup_target"`
	OSPlatform         string `dynamodbav:"os_platform"`
	LastBackup         string `dynamodbav:"last_backup,omitempty"`
	LastS3Sync         string `dynamodbav:"last_s3_sync,omitempty"`
	KeepDaily          *int   `dynamodbav:"retention_keep_daily,omitempty"`
	KeepWeekly         *int   `dynamodbav:"retention_keep_weekly,omitempty"`
	KeepMonthly        *int   `dynamodbav:"retention_keep_monthly,omitempty"`
	KeepYearly         *int   `dynamodbav:"retention_keep_yearly,omitempty"`
	MetadataJSON       string `dynamodbav:"metadata,omitempty"`
	Passphrase         string `dynamodbav:"passphrase,omitempty"`
	PassphraseFilePath string `dynamodbav:"passphrase_file_path,omitempty"`
	PassphraseMigrated bool   `dynamodbav:"passphrase_migrated"`
	CreatedAt          string `dynamodbav:"created_at"`
	UpdatedAt          string `dynamodbav:"updated_at"`
}

func repoToItem(repo *model.Repository) dynamoRepoItem {
	item := dynamoRepoItem{
		RepoPath:           repo.Path,
		Hostname:           repo.Hostname,
		RepoName:           repo.Name,
		BackupTarget:       repo.BackupTarget,
		OSPlatform:         repo.OSPlatform,
		LastBackup:         formatDynamoTime(repo.LastBackup),
		LastS3Sync:         formatDynamoTime(repo.LastS3Sync),
		MetadataJSON:       repo.MetadataJSON,
		Passphrase:         repo.Passphrase,
		PassphraseFilePath: repo.PassphraseFilePath,
		PassphraseMigrated: repo.PassphraseMigrated,
		CreatedAt:          repo.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:          repo.UpdatedAt.Format(time.RFC3339Nano),
	}
	if repo.Retention != nil {
		item.KeepDaily = repo.Retention.KeepDaily
		item.KeepWeekly = repo.Retention.KeepWeekly
		item.KeepMonthly = repo.Retention.KeepMonthly
		item.KeepYearly = repo.Retention.KeepYearly
	}
	return item
}

func itemToRepo(item dynamoRepoItem) *model.Repository {
	repo := &model.Repository{
		Name:               item.RepoName,
		Path:               item.RepoPath,
		BackupTarget:       item.BackupTarget,
		Hostname:           item.Hostname,
		OSPlatform:         item.OSPlatform,
		LastBackup:         parseDynamoTime(item.LastBackup),
		LastS3Sync:         parseDynamoTime(item.LastS3Sync),
		MetadataJSON:       item.MetadataJSON,
		Passphrase:         item.Passphrase,
		PassphraseFilePath: item.PassphraseFilePath,
		PassphraseMigrated: item.PassphraseMigrated,
	}
	if item.KeepDaily != nil || item.KeepWeekly != nil || item.KeepMonthly != nil || item.KeepYearly != nil {
		repo.Retention = &model.RetentionOverride{
			KeepDaily:   item.KeepDaily,
			KeepWeekly:  item.KeepWeekly,
			KeepMonthly: item.KeepMonthly,
			KeepYearly:  item.KeepYearly,
		}
	}
	if t := parseDynamoTime(item.CreatedAt); t != nil {
		repo.CreatedAt = *t
	}
	if t := parseDynamoTime(item.UpdatedAt); t != nil {
		repo.UpdatedAt = *t
	}
	return repo
}

func (s *DynamoStore) Create(repo *model.Repository) error {
	// The table key is (repo_path, hostname) while names are enforced
	// unique via the GSI lookup here; there is a small window between the
	// two calls but a same-name race only overwrites nothing thanks to the
	// conditional put below.
	existing, err := s.queryByName(repo.Name)
	if err != nil {
		return classify("create", err)
	}
	if existing != nil {
		return newError("create", KindConflict, errRepoName(repo.Name))
	}

	now := time.Now().UTC()
	repo.CreatedAt = now
	repo.UpdatedAt = now

	av, err := attributevalue.MarshalMap(repoToItem(repo))
	if err != nil {
		return newError("create", KindInternal, err)
	}
	err = s.withRetry(func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.reposTable),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(repo_path) AND attribute_not_exists(hostname)"),
		})
		return err
	})
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return newError("create", KindConflict, err)
		}
		return classify("create", err)
	}
	return nil
}

func (s *DynamoStore) Get(name string) (*model.Repository, error) {
	item, err := s.queryByName(name)
	if err != nil {
		return nil, classify("get", err)
	}
	if item == nil {
		return nil, newError("get", KindNotFound, errRepoName(name))
	}
	return itemToRepo(*item), nil
}

func (s *DynamoStore) GetByPath(path, hostname string) (*model.Repository, error) {
	var out *dynamodb.GetItemOutput
	err := s.withRetry(func(ctx context.Context) error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.reposTable),
			Key:       repoKey(path, hostname),
		})
		return err
	})
	if err != nil {
		return nil, classify("get-by-path", err)
	}
	if out.Item == nil {
		return nil, newError("get-by-path", KindNotFound, errRepoPath(path, hostname))
	}
	var item dynamoRepoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, newError("get-by-path", KindInternal, err)
	}
	return itemToRepo(item), nil
}

func (s *DynamoStore) ListAll() ([]*model.Repository, error) {
	var repos []*model.Repository
	err := s.withRetry(func(ctx context.Context) error {
		repos = repos[:0]
		paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
			TableName: aws.String(s.reposTable),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return err
			}
			var items []dynamoRepoItem
			if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
				return backoff.Permanent(err)
			}
			for i := range items {
				repos = append(repos, itemToRepo(items[i]))
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("list", err)
	}
	return repos, nil
}

func (s *DynamoStore) Update(repo *model.Repository) error {
	existing, err := s.queryByName(repo.Name)
	if err != nil {
		return classify("update", err)
	}
	if existing == nil {
		return newError("update", KindNotFound, errRepoName(repo.Name))
	}

	if repo.CreatedAt.IsZero() {
		if t := parseDynamoTime(existing.CreatedAt); t != nil {
			repo.CreatedAt = *t
		}
	}
	repo.UpdatedAt = time.Now().UTC()

	av, err := attributevalue.MarshalMap(repoToItem(repo))
	if err != nil {
		return newError("update", KindInternal, err)
	}
	err = s.withRetry(func(ctx context.Context) error {
		// Re-keying (path or hostname changed) needs the stale item removed.
		if existing.RepoPath != repo.Path || existing.Hostname != repo.Hostname {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.reposTable),
				Key:       repoKey(existing.RepoPath, existing.Hostname),
			})
			if err != nil {
				return err
			}
		}
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.reposTable),
			Item:      av,
		})
		return err
	})
	if err != nil {
		return classify("update", err)
	}
	return nil
}

func (s *DynamoStore) Delete(name string) error {
	existing, err := s.queryByName(name)
	if err != nil {
		return classify("delete", err)
	}
	if existing == nil {
		return newError("delete", KindNotFound, errRepoName(name))
	}

	if err := s.deleteArchives(name); err != nil {
		return err
	}
	if err := s.DeleteS3Stats(name); err != nil {
		return err
	}

	err = s.withRetry(func(ctx context.Context) error {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.reposTable),
			Key:       repoKey(existing.RepoPath, existing.Hostname),
		})
		return err
	})
	if err != nil {
		return classify("delete", err)
	}
	return nil
}

func (s *DynamoStore) Exists(name string) (bool, error) {
	item, err := s.queryByName(name)
	if err != nil {
		return false, classify("exists", err)
	}
	return item != nil, nil
}

// Archive operations

type dynamoArchiveItem struct {
	RepoName         string `dynamodbav:"repo_name"`
	ISOTimestamp     string `dynamodbav:"iso_timestamp"`
	ArchiveID        string `dynamodbav:"archive_id"`
	Name             string `dynamodbav:"name"`
	Hostname         string `dynamodbav:"hostname,omitempty"`
	OriginalSize     int64  `dynamodbav:"original_size"`
	CompressedSize   int64  `dynamodbav:"compressed_size"`
	DeduplicatedSize int64  `dynamodbav:"deduplicated_size"`
}

func (s *DynamoStore) SaveArchive(archive *model.Archive) error {
	av, err := attributevalue.MarshalMap(dynamoArchiveItem{
		RepoName:         archive.RepoName,
		ISOTimestamp:     archive.ISOTimestamp,
		ArchiveID:        archive.ArchiveID,
		Name:             archive.Name,
		Hostname:         archive.Hostname,
		OriginalSize:     archive.OriginalSize,
		CompressedSize:   archive.CompressedSize,
		DeduplicatedSize: archive.DeduplicatedSize,
	})
	if err != nil {
		return newError("save-archive", KindInternal, err)
	}
	err = s.withRetry(func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.archivesTable),
			Item:      av,
		})
		return err
	})
	if err != nil {
		return classify("save-archive", err)
	}
	return nil
}

func (s *DynamoStore) ListArchives(repoName string) ([]*model.Archive, error) {
	var archives []*model.Archive
	err := s.withRetry(func(ctx context.Context) error {
		archives = archives[:0]
		paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
			TableName:              aws.String(s.archivesTable),
			KeyConditionExpression: aws.String("repo_name = :name"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":name": &types.AttributeValueMemberS{Value: repoName},
			},
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return err
			}
			var items []dynamoArchiveItem
			if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
				return backoff.Permanent(err)
			}
			for _, item := range items {
				archives = append(archives, &model.Archive{
					RepoName:         item.RepoName,
					ArchiveID:        item.ArchiveID,
					Name:             item.Name,
					ISOTimestamp:     item.ISOTimestamp,
					Hostname:         item.Hostname,
					OriginalSize:     item.OriginalSize,
					CompressedSize:   item.CompressedSize,
					DeduplicatedSize: item.DeduplicatedSize,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("list-archives", err)
	}
	return archives, nil
}

func (s *DynamoStore) DeleteArchiveByName(repoName, archiveName string) error {
	archives, err := s.ListArchives(repoName)
	if err != nil {
		return err
	}
	for _, a := range archives {
		if a.Name != archiveName {
			continue
		}
		err := s.withRetry(func(ctx context.Context) error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.archivesTable),
				Key: map[string]types.AttributeValue{
					"repo_name":     &types.AttributeValueMemberS{Value: a.RepoName},
					"iso_timestamp": &types.AttributeValueMemberS{Value: a.ISOTimestamp},
				},
			})
			return err
		})
		if err != nil {
			return classify("delete-archive", err)
		}
	}
	return nil
}

func (s *DynamoStore) deleteArchives(repoName string) error {
	archives, err := s.ListArchives(repoName)
	if err != nil {
		return err
	}
	// BatchWriteItem caps at 25 requests per call.
	for start := 0; start < len(archives); start += 25 {
		end := min(start+25, len(archives))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, a := range archives[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						"repo_name":     &types.AttributeValueMemberS{Value: a.RepoName},
						"iso_timestamp": &types.AttributeValueMemberS{Value: a.ISOTimestamp},
					},
				},
			})
		}
		err := s.withRetry(func(ctx context.Context) error {
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{s.archivesTable: requests},
			})
			if err != nil {
				return err
			}
			if unprocessed := out.UnprocessedItems[s.archivesTable]; len(unprocessed) > 0 {
				requests = unprocessed
				return errThrottledBatch
			}
			return nil
		})
		if err != nil {
			return classify("delete-archives", err)
		}
	}
	return nil
}

// Remote stats cache operations

type dynamoStatsItem struct {
	RepoName       string `dynamodbav:"repo_name"`
	TotalSizeBytes int64  `dynamodbav:"total_size_bytes"`
	ObjectCount    int64  `dynamodbav:"object_count"`
	LastModified   string `dynamodbav:"last_modified,omitempty"`
	CachedAt       string `dynamodbav:"cached_at"`
}

func (s *DynamoStore) GetS3Stats(repoName string) (*model.S3Stats, error) {
	var out *dynamodb.GetItemOutput
	err := s.withRetry(func(ctx context.Context) error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.statsTable),
			Key: map[string]types.AttributeValue{
				"repo_name": &types.AttributeValueMemberS{Value: repoName},
			},
		})
		return err
	})
	if err != nil {
		return nil, classify("get-s3-stats", err)
	}
	if out.Item == nil {
		return nil, nil // Not cached
	}
	var item dynamoStatsItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, newError("get-s3-stats", KindInternal, err)
	}
	stats := &model.S3Stats{
		RepoName:       item.RepoName,
		TotalSizeBytes: item.TotalSizeBytes,
		ObjectCount:    item.ObjectCount,
		LastModified:   parseDynamoTime(item.LastModified),
	}
	if t := parseDynamoTime(item.CachedAt); t != nil {
		stats.CachedAt = *t
	}
	return stats, nil
}

func (s *DynamoStore) PutS3Stats(stats *model.S3Stats) error {
	av, err := attributevalue.MarshalMap(dynamoStatsItem{
		RepoName:       stats.RepoName,
		TotalSizeBytes: stats.TotalSizeBytes,
		ObjectCount:    stats.ObjectCount,
		LastModified:   formatDynamoTime(stats.LastModified),
		CachedAt:       stats.CachedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return newError("put-s3-stats", KindInternal, err)
	}
	err = s.withRetry(func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.statsTable),
			Item:      av,
		})
		return err
	})
	if err != nil {
		return classify("put-s3-stats", err)
	}
	return nil
}

func (s *DynamoStore) DeleteS3Stats(repoName string) error {
	err := s.withRetry(func(ctx context.Context) error {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.statsTable),
			Key: map[string]types.AttributeValue{
				"repo_name": &types.AttributeValueMemberS{Value: repoName},
			},
		})
		return err
	})
	if err != nil {
		return classify("delete-s3-stats", err)
	}
	return nil
}

// Helpers

func (s *DynamoStore) queryByName(name string) (*dynamoRepoItem, error) {
	var out *dynamodb.QueryOutput
	err := s.withRetry(func(ctx context.Context) error {
		var err error
		out, err = s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.reposTable),
			IndexName:              aws.String(repoNameIndex),
			KeyConditionExpression: aws.String("repo_name = :name"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":name": &types.AttributeValueMemberS{Value: name},
			},
			Limit: aws.Int32(1),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var item dynamoRepoItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// withRetry runs fn with exponential backoff, retrying only throttling and
// server-side failures. Everything else aborts the loop immediately.
func (s *DynamoStore) withRetry(fn func(ctx context.Context) error) error {
	ctx := context.Background()
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.maxRetry

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isThrottled(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

var errThrottledBatch = &types.ProvisionedThroughputExceededException{
	Message: aws.String("batch write left unprocessed items"),
}

func isThrottled(err error) bool {
	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return true
	}
	var limit *types.RequestLimitExceeded
	if errors.As(err, &limit) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "InternalServerError", "ServiceUnavailable":
			return true
		}
	}
	return false
}

func classify(op string, err error) error {
	if isThrottled(err) {
		return newError(op, KindThrottled, err)
	}
	return newError(op, KindInternal, err)
}

func repoKey(path, hostname string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"repo_path": &types.AttributeValueMemberS{Value: path},
		"hostname":  &types.AttributeValueMemberS{Value: hostname},
	}
}

func formatDynamoTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseDynamoTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func errRepoName(name string) error {
	return fmt.Errorf("repository %q", name)
}

func errRepoPath(path, hostname string) error {
	return fmt.Errorf("repository at %s on %s", path, hostname)
}

// Compile-time check that DynamoStore implements the Store interface.
var _ Store = (*DynamoStore)(nil)
