package chunkstore

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/errors"
)

// Ensure type implements interface.
var _ stratum.ChunkStore = (*S3Store)(nil)

// S3Store keeps chunk files in an S3 bucket under an optional key prefix.
// Keys mirror the FileStore fan-out layout so an operator can eyeball either
// store the same way.
type S3Store struct {
	api      s3iface.S3API
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Store returns an S3Store using clients built from the given session.
func NewS3Store(sess *session.Session, bucket, prefix string) *S3Store {
	return NewS3StoreWithClient(s3.New(sess), bucket, prefix)
}

// NewS3StoreWithClient returns an S3Store on an existing S3 client. It exists
// to allow mocking of AWS dependencies in unit tests.
func NewS3StoreWithClient(api s3iface.S3API, bucket, prefix string) *S3Store {
	return &S3Store{
		api:      api,
		uploader: s3manager.NewUploaderWithClient(api),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (s *S3Store) chunkKey(chunkID stratum.ChunkID) string {
	name := fmt.Sprintf("%016x", uint64(chunkID))
	return path.Join(s.prefix, name[:2], name[2:4], name+ChunkFileExt)
}

// PutChunk streams the chunk to S3. The upload manager buffers parts
// internally, so r can be a plain reader with no seeking.
func (s *S3Store) PutChunk(ctx context.Context, chunkID stratum.ChunkID, r io.Reader) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.chunkKey(chunkID)),
		Body:   r,
	})
	return errors.Wrap(err, "uploading chunk")
}

func (s *S3Store) OpenChunk(ctx context.Context, chunkID stratum.ChunkID) (io.ReadCloser, error) {
	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.chunkKey(chunkID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, stratum.NewErrChunkNotFound(chunkID)
		}
		return nil, errors.Wrap(err, "getting chunk")
	}
	return out.Body, nil
}

func (s *S3Store) ChunkExists(ctx context.Context, chunkID stratum.ChunkID) (bool, error) {
	_, err := s.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.chunkKey(chunkID)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "heading chunk")
	}
	return true, nil
}

// DeleteChunk removes the chunk object. S3 reports success for keys that do
// not exist, which matches the idempotence the cleaner needs.
func (s *S3Store) DeleteChunk(ctx context.Context, chunkID stratum.ChunkID) error {
	_, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.chunkKey(chunkID)),
	})
	return errors.Wrap(err, "deleting chunk")
}

// isNotFound reports whether err is S3's flavor of key-not-found. HeadObject
// responses carry a bare "NotFound" code instead of NoSuchKey.
func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
