// Package archive keeps the raw RFC 822 bytes of every ingested message,
// so the original can be replayed through normalization if the parsed
// record ever needs to be rebuilt.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrMessageNotFound = errors.New("archived message not found")

const contentType = "message/rfc822"

// Store writes and reads raw message archives keyed by tenant mailbox and
// message UID.
type Store interface {
	Put(ctx context.Context, mailAddress string, uid uint32, raw []byte) error
	Get(ctx context.Context, mailAddress string, uid uint32) ([]byte, error)
	Delete(ctx context.Context, mailAddress string, uid uint32) error
}

type Config struct {
	Backend           string
	FSRoot            string
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool
}

// NewFromConfig picks the archive backend. An empty backend disables
// archiving entirely and returns a nil Store.
func NewFromConfig(ctx context.Context, cfg Config) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))

	switch backend {
	case "":
		return nil, nil
	case "filesystem", "fs", "local":
		return NewFilesystemStore(cfg.FSRoot)
	case "s3", "r2":
		return NewS3Store(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", backend)
	}
}

// objectKey places each message under its tenant's mailbox address.
func objectKey(mailAddress string, uid uint32) string {
	return fmt.Sprintf("%s/%d.eml", mailAddress, uid)
}
