package uploader

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
)

// fakeDest is an in-memory Destination. Errors can be queued per
// operation name; each call pops one. Counts every call.
type fakeDest struct {
	m          sync.Mutex
	containers map[string]map[string][]byte
	manifests  map[string][]Segment // container/key -> segments
	errs       map[string][]error
	calls      map[string]int
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		containers: make(map[string]map[string][]byte),
		manifests:  make(map[string][]Segment),
		errs:       make(map[string][]error),
		calls:      make(map[string]int),
	}
}

// fail queues errors to be returned by the next calls to op.
func (d *fakeDest) fail(op string, errs ...error) {
	d.m.Lock()
	d.errs[op] = append(d.errs[op], errs...)
	d.m.Unlock()
}

func (d *fakeDest) count(op string) int {
	d.m.Lock()
	defer d.m.Unlock()
	return d.calls[op]
}

// enter records the call and pops a queued error, holding the lock.
func (d *fakeDest) enter(op string) error {
	d.calls[op]++
	if q := d.errs[op]; len(q) > 0 {
		d.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (d *fakeDest) removeContainer(container string) {
	d.m.Lock()
	delete(d.containers, container)
	d.m.Unlock()
}

func (d *fakeDest) EnsureContainer(ctx context.Context, container string) error {
	d.m.Lock()
	defer d.m.Unlock()
	if err := d.enter("EnsureContainer"); err != nil {
		return err
	}
	if d.containers[container] == nil {
		d.containers[container] = make(map[string][]byte)
	}
	return nil
}

func (d *fakeDest) PutObject(ctx context.Context, container, key string, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	d.m.Lock()
	defer d.m.Unlock()
	if err := d.enter("PutObject"); err != nil {
		return "", err
	}
	c := d.containers[container]
	if c == nil {
		return "", ErrNoContainer
	}
	c[key] = data
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

func (d *fakeDest) PutSegment(ctx context.Context, container, key string, index int, data []byte) (string, error) {
	d.m.Lock()
	defer d.m.Unlock()
	if err := d.enter("PutSegment"); err != nil {
		return "", err
	}
	c := d.containers[container]
	if c == nil {
		return "", ErrNoContainer
	}
	c[SegmentKey(key, index)] = append([]byte(nil), data...)
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

func (d *fakeDest) PutManifest(ctx context.Context, container, key string, segments []Segment) error {
	d.m.Lock()
	defer d.m.Unlock()
	if err := d.enter("PutManifest"); err != nil {
		return err
	}
	if d.containers[container] == nil {
		return ErrNoContainer
	}
	d.manifests[container+"/"+key] = append([]Segment(nil), segments...)
	return nil
}

func (d *fakeDest) ListSegments(ctx context.Context, container, key string) ([]Segment, error) {
	d.m.Lock()
	defer d.m.Unlock()
	if err := d.enter("ListSegments"); err != nil {
		return nil, err
	}
	c := d.containers[container]
	if c == nil {
		return nil, ErrNoContainer
	}
	var out []Segment
	prefix := key + "/segment-"
	for name, data := range c {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		index, err := SegmentIndex(name)
		if err != nil {
			continue
		}
		sum := md5.Sum(data)
		out = append(out, Segment{
			Index: index,
			Size:  int64(len(data)),
			ETag:  hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (d *fakeDest) HeadManifest(ctx context.Context, container, key string) (*ManifestInfo, error) {
	d.m.Lock()
	defer d.m.Unlock()
	if err := d.enter("HeadManifest"); err != nil {
		return nil, err
	}
	if segs, ok := d.manifests[container+"/"+key]; ok {
		var size int64
		for _, s := range segs {
			size += s.Size
		}
		return &ManifestInfo{Manifest: true, Size: size}, nil
	}
	if data, ok := d.containers[container][key]; ok {
		sum := md5.Sum(data)
		return &ManifestInfo{Size: int64(len(data)), ETag: hex.EncodeToString(sum[:])}, nil
	}
	return nil, nil
}

// object returns the stored bytes for key, reassembling from the
// manifest's segments when one exists.
func (d *fakeDest) object(container, key string) ([]byte, bool) {
	d.m.Lock()
	defer d.m.Unlock()
	if segs, ok := d.manifests[container+"/"+key]; ok {
		var buf bytes.Buffer
		for _, s := range segs {
			buf.Write(d.containers[container][SegmentKey(key, s.Index)])
		}
		return buf.Bytes(), true
	}
	data, ok := d.containers[container][key]
	return data, ok
}

// putAlien drops a plain object at key, bypassing the API.
func (d *fakeDest) putAlien(container, key string, data []byte) {
	d.m.Lock()
	d.containers[container][key] = data
	d.m.Unlock()
}

// tempError is a transient failure a backend would mark retryable.
type tempError struct{ msg string }

func (e tempError) Error() string   { return e.msg }
func (e tempError) Temporary() bool { return true }
