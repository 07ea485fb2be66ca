// Package s3obj stores segmented uploads in an S3 bucket using the same
// key conventions as the swift backend, so the pipeline can use either.
// S3 has no server-side segment manifests, so the manifest is a plain
// JSON object marked with a content type.
package s3obj

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/curatelib/safsuite/uploader"
)

// ManifestContentType marks a stored object as a segment manifest.
const ManifestContentType = "application/x-segment-manifest+json"

// A Store writes to S3 buckets. Containers map to buckets, keys to
// keys. The credentials in the session are used for all requests.
type Store struct {
	svc *s3.S3
}

// New returns a Store using the given AWS session.
func New(awsSession *session.Session) *Store {
	return &Store{svc: s3.New(awsSession)}
}

// EnsureContainer creates the bucket if it is missing.
func (s *Store) EnsureContainer(ctx context.Context, container string) error {
	_, err := s.svc.CreateBucketWithContext(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(container),
	})
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeBucketAlreadyOwnedByYou, s3.ErrCodeBucketAlreadyExists:
			return nil
		}
	}
	return mapErr(err, container)
}

// PutObject stores a whole object in one request.
func (s *Store) PutObject(ctx context.Context, container, key string, r io.Reader, size int64) (string, error) {
	out, err := s.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(key),
		Body:   aws.ReadSeekCloser(r),
	})
	if err != nil {
		return "", mapErr(err, container)
	}
	return cleanETag(out.ETag), nil
}

// PutSegment stores one segment of key.
func (s *Store) PutSegment(ctx context.Context, container, key string, index int, data []byte) (string, error) {
	out, err := s.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(uploader.SegmentKey(key, index)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", mapErr(err, container)
	}
	return cleanETag(out.ETag), nil
}

// PutManifest writes the manifest object at key.
func (s *Store) PutManifest(ctx context.Context, container, key string, segments []uploader.Segment) error {
	buf, err := json.Marshal(segments)
	if err != nil {
		return err
	}
	_, err = s.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(container),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String(ManifestContentType),
	})
	return mapErr(err, container)
}

// ListSegments returns the committed segments for key in index order.
func (s *Store) ListSegments(ctx context.Context, container, key string) ([]uploader.Segment, error) {
	var result []uploader.Segment
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(container),
		Prefix: aws.String(key + "/segment-"),
	}
	err := s.svc.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				n, err := uploader.SegmentIndex(*item.Key)
				if err != nil {
					continue
				}
				result = append(result, uploader.Segment{
					Index: n,
					Size:  aws.Int64Value(item.Size),
					ETag:  cleanETag(item.ETag),
				})
			}
			return !lastpage
		})
	if err != nil {
		return nil, mapErr(err, container)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

// HeadManifest reports what is stored at key itself, or nil if nothing.
func (s *Store) HeadManifest(ctx context.Context, container, key string) (*uploader.ManifestInfo, error) {
	out, err := s.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(key),
	})
	if err != nil {
		if rerr, ok := err.(awserr.RequestFailure); ok && rerr.StatusCode() == 404 {
			return nil, nil
		}
		return nil, mapErr(err, container)
	}
	return &uploader.ManifestInfo{
		Manifest: aws.StringValue(out.ContentType) == ManifestContentType,
		Size:     aws.Int64Value(out.ContentLength),
		ETag:     cleanETag(out.ETag),
	}, nil
}

func cleanETag(etag *string) string {
	return strings.Trim(aws.StringValue(etag), `"`)
}

// A requestError is an s3 failure that may clear up on retry.
type requestError struct {
	err error
}

func (e requestError) Error() string   { return e.err.Error() }
func (e requestError) Unwrap() error   { return e.err }
func (e requestError) Temporary() bool { return true }

// mapErr translates aws errors into the pipeline's vocabulary.
func mapErr(err error, container string) error {
	if err == nil {
		return nil
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchBucket:
			return uploader.ErrNoContainer
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return uploader.ErrNotAuthorized
		case "RequestTimeout", "SlowDown":
			return requestError{err}
		}
	}
	if rerr, ok := err.(awserr.RequestFailure); ok {
		switch {
		case rerr.StatusCode() == 401 || rerr.StatusCode() == 403:
			return uploader.ErrNotAuthorized
		case rerr.StatusCode() >= 500 || rerr.StatusCode() == 429:
			log.Println("s3:", container, err)
			raven.CaptureError(err, map[string]string{"Bucket": container})
			return requestError{err}
		}
	}
	return errors.Wrap(err, "s3 request")
}
