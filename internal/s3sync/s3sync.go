// Package s3sync mirrors repository directories to and from an S3 bucket.
// Each repository occupies one top-level prefix named after it.
package s3sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"bb-go/internal/model"
)

// Syncer is the remote mirror contract the orchestrator depends on.
type Syncer interface {
	// Sync uploads local files that are new or changed since the last sync.
	Sync(ctx context.Context, localPath, repoName string) error

	// Fetch downloads the repository's objects into localPath. With dryRun
	// it only reports what would be transferred.
	Fetch(ctx context.Context, localPath, repoName string, dryRun bool) error

	// Delete removes every object under the repository's prefix.
	Delete(ctx context.Context, repoName string, dryRun bool) error

	// Stats sums object sizes and counts under the repository's prefix.
	Stats(ctx context.Context, repoName string) (*model.S3Stats, error)

	// Exists reports whether any object lives under the prefix.
	Exists(ctx context.Context, repoName string) (bool, error)

	// ListRepos returns the top-level prefixes in the bucket.
	ListRepos(ctx context.Context) ([]string, error)
}

// S3Syncer implements Syncer against a real bucket using the transfer
// manager for multipart uploads and downloads.
type S3Syncer struct {
	client       *s3.Client
	uploader     *manager.Uploader
	downloader   *manager.Downloader
	bucket       string
	storageClass types.StorageClass

	// Progress receives one line per transferred or skipped object. Nil
	// silences it.
	Progress func(line string)
}

func NewS3Syncer(client *s3.Client, bucket, storageClass string) *S3Syncer {
	if storageClass == "" {
		storageClass = string(types.StorageClassIntelligentTiering)
	}
	return &S3Syncer{
		client:       client,
		uploader:     manager.NewUploader(client),
		downloader:   manager.NewDownloader(client),
		bucket:       bucket,
		storageClass: types.StorageClass(storageClass),
	}
}

func (s *S3Syncer) progress(format string, args ...any) {
	if s.Progress != nil {
		s.Progress(fmt.Sprintf(format, args...))
	}
}

func prefixFor(repoName string) string { return repoName + "/" }

type remoteObject struct {
	size         int64
	lastModified time.Time
}

func (s *S3Syncer) listObjects(ctx context.Context, prefix string) (map[string]remoteObject, error) {
	objects := make(map[string]remoteObject)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			entry := remoteObject{size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				entry.lastModified = *obj.LastModified
			}
			objects[aws.ToString(obj.Key)] = entry
		}
	}
	return objects, nil
}

func (s *S3Syncer) Sync(ctx context.Context, localPath, repoName string) error {
	prefix := prefixFor(repoName)
	remote, err := s.listObjects(ctx, prefix)
	if err != nil {
		return err
	}

	return filepath.WalkDir(localPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(localPath, path)
		if err != nil {
			return err
		}
		key := prefix + filepath.ToSlash(rel)

		// Same transfer decision as an S3 sync: skip when the remote copy
		// has the same size and is not older than the local file.
		if existing, ok := remote[key]; ok {
			if existing.size == info.Size() && !info.ModTime().After(existing.lastModified) {
				return nil
			}
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()

		_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(s.bucket),
			Key:          aws.String(key),
			Body:         f,
			StorageClass: s.storageClass,
		})
		if err != nil {
			return fmt.Errorf("uploading %s: %w", key, err)
		}
		s.progress("upload: %s to s3://%s/%s", rel, s.bucket, key)
		return nil
	})
}

func (s *S3Syncer) Fetch(ctx context.Context, localPath, repoName string, dryRun bool) error {
	prefix := prefixFor(repoName)
	remote, err := s.listObjects(ctx, prefix)
	if err != nil {
		return err
	}
	if len(remote) == 0 {
		return fmt.Errorf("no objects under s3://%s/%s", s.bucket, prefix)
	}

	for key, obj := range remote {
		rel := strings.TrimPrefix(key, prefix)
		dest := filepath.Join(localPath, filepath.FromSlash(rel))

		if info, err := os.Stat(dest); err == nil {
			if info.Size() == obj.size && !obj.lastModified.After(info.ModTime()) {
				continue
			}
		}

		if dryRun {
			s.progress("(dryrun) download: s3://%s/%s to %s", s.bucket, key, dest)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
		}
		f, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("creating %s: %w", dest, err)
		}
		_, err = s.downloader.Download(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("downloading %s: %w", key, err)
		}
		if closeErr != nil {
			return closeErr
		}
		s.progress("download: s3://%s/%s to %s", s.bucket, key, dest)
	}
	return nil
}

func (s *S3Syncer) Delete(ctx context.Context, repoName string, dryRun bool) error {
	prefix := prefixFor(repoName)
	remote, err := s.listObjects(ctx, prefix)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(remote))
	for key := range remote {
		keys = append(keys, key)
	}

	if dryRun {
		for _, key := range keys {
			s.progress("(dryrun) delete: s3://%s/%s", s.bucket, key)
		}
		return nil
	}

	// DeleteObjects accepts at most 1000 keys per call.
	for start := 0; start < len(keys); start += 1000 {
		end := min(start+1000, len(keys))
		identifiers := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			identifiers = append(identifiers, types.ObjectIdentifier{Key: aws.String(key)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: identifiers, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("deleting s3://%s/%s: %w", s.bucket, prefix, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("deleting s3://%s/%s: %d objects failed, first: %s",
				s.bucket, prefix, len(out.Errors), aws.ToString(first.Message))
		}
	}
	for _, key := range keys {
		s.progress("delete: s3://%s/%s", s.bucket, key)
	}
	return nil
}

func (s *S3Syncer) Stats(ctx context.Context, repoName string) (*model.S3Stats, error) {
	remote, err := s.listObjects(ctx, prefixFor(repoName))
	if err != nil {
		return nil, err
	}

	stats := &model.S3Stats{
		RepoName: repoName,
		CachedAt: time.Now().UTC(),
	}
	for _, obj := range remote {
		stats.TotalSizeBytes += obj.size
		stats.ObjectCount++
		if stats.LastModified == nil || obj.lastModified.After(*stats.LastModified) {
			t := obj.lastModified
			stats.LastModified = &t
		}
	}
	return stats, nil
}

func (s *S3Syncer) Exists(ctx context.Context, repoName string) (bool, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefixFor(repoName)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noBucket) {
			return false, nil
		}
		return false, fmt.Errorf("checking s3://%s/%s: %w", s.bucket, repoName, err)
	}
	return aws.ToInt32(out.KeyCount) > 0, nil
}

func (s *S3Syncer) ListRepos(ctx context.Context) ([]string, error) {
	var repos []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s: %w", s.bucket, err)
		}
		for _, cp := range page.CommonPrefixes {
			repos = append(repos, strings.TrimSuffix(aws.ToString(cp.Prefix), "/"))
		}
	}
	return repos, nil
}

var _ Syncer = (*S3Syncer)(nil)
