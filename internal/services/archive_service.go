// internal/services/archive_service.go
package services

import (
	"bytes"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/javajoker/payguard/internal/config"
)

// ArchiveService writes compliance archives to S3 before the cleanup job
// purges the backing rows.
type ArchiveService struct {
	s3Client *s3.S3
	config   *config.Config
}

func NewArchiveService(config *config.Config) (*ArchiveService, error) {
	if config.AWS.AccessKeyID == "" {
		// Return service without S3 for local development
		return &ArchiveService{config: config}, nil
	}

	// Create AWS session
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(config.AWS.Region),
		Credentials: credentials.NewStaticCredentials(
			config.AWS.AccessKeyID,
			config.AWS.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &ArchiveService{
		s3Client: s3.New(sess),
		config:   config,
	}, nil
}

func (s *ArchiveService) Enabled() bool {
	return s.s3Client != nil
}

// Upload stores one archive object and returns its key.
func (s *ArchiveService) Upload(key string, body []byte, contentType string) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("archive storage not configured")
	}

	_, err := s.s3Client.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(s.config.AWS.S3Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload archive object: %w", err)
	}

	return key, nil
}
