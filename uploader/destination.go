// Package uploader moves assembled package trees into object storage.
// Large files are cut into fixed-size segments which are uploaded
// independently, tracked in a persistent session, and stitched together
// by a manifest once every segment is committed. Interrupted sessions
// can be resumed against the remote state.
package uploader

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Errors a Destination returns (possibly wrapped) so the pipeline can
// tell fatal conditions from transient ones.
var (
	// ErrNotAuthorized is fatal. The pipeline never retries it.
	ErrNotAuthorized = errors.New("access denied")

	// ErrNoContainer means the target container does not exist. The
	// pipeline creates it once and retries the original request.
	ErrNoContainer = errors.New("container does not exist")
)

// A Segment is one committed piece of a segmented object.
type Segment struct {
	Index int    // position in the object, starting at 0
	Size  int64  // bytes in this segment
	ETag  string // hex md5 as reported by the backend
}

// A ManifestInfo describes an object already present at a manifest key.
type ManifestInfo struct {
	Manifest bool // true if the object is a segment manifest
	Size     int64
	ETag     string
}

// A Destination is an object-storage backend the pipeline can write to.
// Implementations report transient failures with errors satisfying
// interface{ Temporary() bool }; everything else is treated as fatal.
type Destination interface {
	// EnsureContainer creates the container if it is missing.
	EnsureContainer(ctx context.Context, container string) error

	// PutObject stores a whole object in one request and returns its etag.
	PutObject(ctx context.Context, container, key string, r io.Reader, size int64) (string, error)

	// PutSegment stores one segment of key and returns its etag. The
	// backend verifies the bytes against their md5 in transit.
	PutSegment(ctx context.Context, container, key string, index int, data []byte) (string, error)

	// PutManifest writes the manifest that assembles the segments into
	// the final object at key.
	PutManifest(ctx context.Context, container, key string, segments []Segment) error

	// ListSegments returns the segments committed for key, in index order.
	ListSegments(ctx context.Context, container, key string) ([]Segment, error)

	// HeadManifest reports what is stored at key itself, or nil if
	// nothing is.
	HeadManifest(ctx context.Context, container, key string) (*ManifestInfo, error)
}

// SegmentKey names the backend object holding segment n of key.
func SegmentKey(key string, n int) string {
	return fmt.Sprintf("%s/segment-%04d", key, n)
}

// SegmentIndex parses the index out of a segment object name.
func SegmentIndex(name string) (int, error) {
	i := strings.LastIndex(name, "/segment-")
	if i < 0 {
		return 0, errors.Errorf("not a segment name: %s", name)
	}
	return strconv.Atoi(name[i+len("/segment-"):])
}

// isTemporary reports whether err is worth retrying. Follows the
// net.Error convention.
func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
