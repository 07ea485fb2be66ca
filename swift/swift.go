// Package swift talks to an OpenStack object store: Keystone token
// authentication plus the container and object calls the upload
// pipeline needs. It is deliberately not a general Swift client.
package swift

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antonholmquist/jason"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/curatelib/safsuite/uploader"
)

// Exported errors
var (
	ErrAuthUnavailable  = errors.New("no credentials available")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrNotFound         = errors.New("object not found")
)

// A StatusError is a response code we did not expect.
type StatusError int

func (e StatusError) Error() string {
	return fmt.Sprintf("received status %d from object store", int(e))
}

// Temporary reports whether the request may succeed if retried.
func (e StatusError) Temporary() bool {
	switch int(e) {
	case 408, 429:
		return true
	}
	return int(e) >= 500
}

// Credentials identify us to Keystone. Either Token and StorageURL are
// both set, or AuthURL, Project, Username and Password are.
type Credentials struct {
	AuthURL    string // Keystone v3 endpoint, e.g. https://host:5000/v3
	Project    string
	Username   string
	Password   string
	Token      string // pre-issued token, skips the auth round trip
	StorageURL string // object-store endpoint, required with Token
}

// A Connection is an authenticated session with one object store.
// Safe for concurrent use after Auth has succeeded.
type Connection struct {
	Credentials

	m          sync.Mutex
	token      string
	storageURL string
	client     *http.Client
}

// New returns an unauthenticated connection. Call Auth before anything
// else.
func New(creds Credentials) *Connection {
	return &Connection{
		Credentials: creds,
		client: &http.Client{
			Timeout: 10 * time.Minute, // arbitrary
		},
	}
}

// keystone v3 password auth request body
type authRequest struct {
	Auth struct {
		Identity struct {
			Methods  []string `json:"methods"`
			Password struct {
				User struct {
					Name     string `json:"name"`
					Domain   domain `json:"domain"`
					Password string `json:"password"`
				} `json:"user"`
			} `json:"password"`
		} `json:"identity"`
		Scope struct {
			Project struct {
				Name   string `json:"name"`
				Domain domain `json:"domain"`
			} `json:"project"`
		} `json:"scope"`
	} `json:"auth"`
}

type domain struct {
	ID string `json:"id"`
}

// Auth obtains a token and the object-store endpoint from Keystone.
// With a pre-issued Token and StorageURL it only records them. Calling
// it again replaces the current token, so it also serves as a refresh.
func (c *Connection) Auth(ctx context.Context) error {
	if c.Token != "" && c.StorageURL != "" {
		c.m.Lock()
		c.token = c.Token
		c.storageURL = strings.TrimRight(c.StorageURL, "/")
		c.m.Unlock()
		return nil
	}
	if c.AuthURL == "" || c.Username == "" || c.Password == "" {
		return ErrAuthUnavailable
	}

	var body authRequest
	body.Auth.Identity.Methods = []string{"password"}
	body.Auth.Identity.Password.User.Name = c.Username
	body.Auth.Identity.Password.User.Domain.ID = "default"
	body.Auth.Identity.Password.User.Password = c.Password
	body.Auth.Scope.Project.Name = c.Project
	body.Auth.Scope.Project.Domain.ID = "default"
	buf, _ := json.Marshal(body)

	path := strings.TrimRight(c.AuthURL, "/") + "/auth/tokens"
	req, err := http.NewRequestWithContext(ctx, "POST", path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200, 201:
		break
	case 401, 403:
		return uploader.ErrNotAuthorized
	default:
		return StatusError(resp.StatusCode)
	}

	token := resp.Header.Get("X-Subject-Token")
	if token == "" {
		return errors.New("keystone returned no subject token")
	}
	endpoint, err := findEndpoint(resp.Body)
	if err != nil {
		return err
	}

	c.m.Lock()
	c.token = token
	c.storageURL = endpoint
	c.m.Unlock()
	return nil
}

// findEndpoint digs the public object-store URL out of the keystone
// service catalog.
func findEndpoint(r io.Reader) (string, error) {
	v, err := jason.NewObjectFromReader(r)
	if err != nil {
		return "", errors.Wrap(err, "parsing keystone response")
	}
	services, err := v.GetObjectArray("token", "catalog")
	if err != nil {
		return "", errors.Wrap(err, "keystone response has no catalog")
	}
	for _, service := range services {
		kind, _ := service.GetString("type")
		if kind != "object-store" {
			continue
		}
		endpoints, _ := service.GetObjectArray("endpoints")
		for _, ep := range endpoints {
			iface, _ := ep.GetString("interface")
			if iface != "public" {
				continue
			}
			url, err := ep.GetString("url")
			if err == nil && url != "" {
				return strings.TrimRight(url, "/"), nil
			}
		}
	}
	return "", errors.New("no public object-store endpoint in catalog")
}

// do runs one authenticated request and maps the usual failure codes.
// Callers handle the success codes themselves.
func (c *Connection) do(req *http.Request) (*http.Response, error) {
	c.m.Lock()
	token := c.token
	c.m.Unlock()
	if token == "" {
		return nil, ErrAuthUnavailable
	}
	req.Header.Set("X-Auth-Token", token)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case 401, 403:
		resp.Body.Close()
		return nil, uploader.ErrNotAuthorized
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		err := StatusError(resp.StatusCode)
		log.Println("swift:", req.Method, req.URL.Path, err)
		raven.CaptureError(err, map[string]string{"Path": req.URL.Path})
		return nil, err
	}
	return resp, nil
}

func (c *Connection) url(container, key string) string {
	c.m.Lock()
	base := c.storageURL
	c.m.Unlock()
	s := base + "/" + container
	if key != "" {
		s += "/" + key
	}
	return s
}

// EnsureContainer creates the container if it does not already exist.
func (c *Connection) EnsureContainer(ctx context.Context, container string) error {
	req, err := http.NewRequestWithContext(ctx, "PUT", c.url(container, ""), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 201, 202, 204:
		return nil
	}
	return StatusError(resp.StatusCode)
}

// PutObject stores a whole object in one request.
func (c *Connection) PutObject(ctx context.Context, container, key string, r io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "PUT", c.url(container, key), r)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 201, 202:
		return strings.Trim(resp.Header.Get("Etag"), `"`), nil
	case 404:
		return "", uploader.ErrNoContainer
	}
	return "", StatusError(resp.StatusCode)
}

// PutSegment stores one segment. The md5 is sent in the Etag header so
// the server rejects corrupted transfers.
func (c *Connection) PutSegment(ctx context.Context, container, key string, index int, data []byte) (string, error) {
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])

	req, err := http.NewRequestWithContext(ctx, "PUT",
		c.url(container, uploader.SegmentKey(key, index)), bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Etag", etag)
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 201, 202:
		return etag, nil
	case 404:
		return "", uploader.ErrNoContainer
	case 422:
		return "", ErrChecksumMismatch
	}
	return "", StatusError(resp.StatusCode)
}

// manifest entry in the static-large-object convention
type manifestEntry struct {
	Path      string `json:"path"`
	ETag      string `json:"etag"`
	SizeBytes int64  `json:"size_bytes"`
}

// PutManifest writes the static large object manifest assembling the
// segments into the object at key.
func (c *Connection) PutManifest(ctx context.Context, container, key string, segments []uploader.Segment) error {
	entries := make([]manifestEntry, 0, len(segments))
	for _, s := range segments {
		entries = append(entries, manifestEntry{
			Path:      "/" + container + "/" + uploader.SegmentKey(key, s.Index),
			ETag:      s.ETag,
			SizeBytes: s.Size,
		})
	}
	buf, _ := json.Marshal(entries)

	req, err := http.NewRequestWithContext(ctx, "PUT",
		c.url(container, key)+"?multipart-manifest=put", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(buf))
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 201, 202:
		return nil
	case 404:
		return uploader.ErrNoContainer
	}
	return StatusError(resp.StatusCode)
}

// ListSegments returns the committed segments for key in index order.
// Objects under the segment prefix whose names do not parse are skipped.
func (c *Connection) ListSegments(ctx context.Context, container, key string) ([]uploader.Segment, error) {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("prefix", key+"/segment-")
	path := c.url(container, "") + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200:
		break
	case 204:
		return nil, nil
	case 404:
		return nil, uploader.ErrNoContainer
	default:
		return nil, StatusError(resp.StatusCode)
	}

	v, err := jason.NewValueFromReader(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "parsing container listing")
	}
	items, err := v.Array()
	if err != nil {
		return nil, errors.Wrap(err, "parsing container listing")
	}
	var result []uploader.Segment
	for _, item := range items {
		obj, err := item.Object()
		if err != nil {
			continue
		}
		name, _ := obj.GetString("name")
		n, err := uploader.SegmentIndex(name)
		if err != nil {
			continue
		}
		size, _ := obj.GetInt64("bytes")
		etag, _ := obj.GetString("hash")
		result = append(result, uploader.Segment{Index: n, Size: size, ETag: etag})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

// HeadManifest reports what is stored at key itself, or nil if nothing.
func (c *Connection) HeadManifest(ctx context.Context, container, key string) (*uploader.ManifestInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "HEAD", c.url(container, key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200, 204:
		break
	case 404:
		return nil, nil
	default:
		return nil, StatusError(resp.StatusCode)
	}
	info := &uploader.ManifestInfo{
		Manifest: resp.Header.Get("X-Static-Large-Object") == "True",
		ETag:     strings.Trim(resp.Header.Get("Etag"), `"`),
	}
	info.Size, _ = strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return info, nil
}
