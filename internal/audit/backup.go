package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// BackupService uploads a copy of a local file to object storage; the
// agent's housekeeping job passes it the audit ledger database file.
// Adapted from the teacher's internal/reliability/r2_backup_service.go
// upload pattern; here it guards the ledger's local durability with an
// off-box copy rather than driving the backup schedule itself (that is
// internal/agent's cron-driven housekeeping, per SPEC_FULL.md).
type BackupService struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// NewBackupService builds an uploader from the standard AWS config chain
// (environment variables, shared config file, or container credentials),
// matching the teacher's use of aws-sdk-go-v2's default credential
// resolution rather than hand-rolling one.
func NewBackupService(ctx context.Context, bucket, prefix string, log zerolog.Logger) (*BackupService, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &BackupService{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
		log:      log.With().Str("component", "audit-backup").Logger(),
	}, nil
}

// UploadSegment uploads the whole file at path under a timestamped key.
// There is no log rotation: each upload is a full copy of the file.
func (b *BackupService) UploadSegment(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("audit: open segment %s: %w", path, err)
	}
	defer f.Close()

	key := fmt.Sprintf("%s/%s-%s", b.prefix, time.Now().UTC().Format("20060102T150405"), filepath.Base(path))
	_, err = b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("audit: upload segment %s: %w", path, err)
	}

	b.log.Info().Str("path", path).Str("key", key).Msg("audit segment replicated")
	return nil
}
