// Package swifttest runs a small in-memory object store speaking just
// enough of the Keystone and Swift protocols for tests: password auth,
// container create, object PUT/GET/HEAD, prefix listing, and manifest
// PUT. Faults can be injected with a playbook.
package swifttest

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
)

// A Server is one in-memory object store. Create with NewServer and
// Close when done. Safe for concurrent use.
type Server struct {
	// Credentials the keystone endpoint accepts.
	Username string
	Password string
	Project  string

	// Faults injects error responses ahead of normal handling.
	Faults *ErrorServer

	m          sync.Mutex
	token      string
	containers map[string]map[string]object
	ts         *httptest.Server
}

type object struct {
	data     []byte
	etag     string
	manifest bool
}

// NewServer starts a server accepting the given keystone credentials.
func NewServer(username, password, project string) *Server {
	s := &Server{
		Username:   username,
		Password:   password,
		Project:    project,
		token:      "swifttest-token",
		containers: make(map[string]map[string]object),
	}
	router := httprouter.New()
	router.POST("/v3/auth/tokens", s.authToken)
	router.PUT("/v1/AUTH_test/:container", s.putContainer)
	router.GET("/v1/AUTH_test/:container", s.listContainer)
	router.PUT("/v1/AUTH_test/:container/*key", s.putObject)
	router.GET("/v1/AUTH_test/:container/*key", s.getObject)
	router.HEAD("/v1/AUTH_test/:container/*key", s.getObject)
	s.Faults = &ErrorServer{h: router}
	s.ts = httptest.NewServer(s.Faults)
	return s
}

// Close shuts the server down.
func (s *Server) Close() { s.ts.Close() }

// AuthURL is the keystone endpoint to hand to a client.
func (s *Server) AuthURL() string { return s.ts.URL + "/v3" }

// StorageURL is the object-store endpoint the catalog advertises.
func (s *Server) StorageURL() string { return s.ts.URL + "/v1/AUTH_test" }

// Token is the token issued by the auth endpoint.
func (s *Server) Token() string { return s.token }

// Object returns a stored object's bytes, or false if absent.
func (s *Server) Object(container, key string) ([]byte, bool) {
	s.m.Lock()
	defer s.m.Unlock()
	obj, ok := s.containers[container][key]
	return obj.data, ok
}

// IsManifest reports whether the object at key was stored as a
// segment manifest.
func (s *Server) IsManifest(container, key string) bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.containers[container][key].manifest
}

// CreateContainer makes a container directly, bypassing the API.
func (s *Server) CreateContainer(name string) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.containers[name] == nil {
		s.containers[name] = make(map[string]object)
	}
}

// DeleteObject removes an object directly, bypassing the API.
func (s *Server) DeleteObject(container, key string) {
	s.m.Lock()
	defer s.m.Unlock()
	delete(s.containers[container], key)
}

func (s *Server) authToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Auth struct {
			Identity struct {
				Password struct {
					User struct {
						Name     string `json:"name"`
						Password string `json:"password"`
					} `json:"user"`
				} `json:"password"`
			} `json:"identity"`
		} `json:"auth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(400)
		return
	}
	user := req.Auth.Identity.Password.User
	if user.Name != s.Username || user.Password != s.Password {
		w.WriteHeader(401)
		return
	}
	w.Header().Set("X-Subject-Token", s.token)
	w.WriteHeader(201)
	fmt.Fprintf(w, `{"token":{"catalog":[
		{"type":"identity","endpoints":[]},
		{"type":"object-store","endpoints":[
			{"interface":"internal","url":"http://unreachable.invalid/v1"},
			{"interface":"public","url":%q}]}]}}`, s.StorageURL())
}

// authorized checks the token on storage requests.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("X-Auth-Token") != s.token {
		w.WriteHeader(401)
		return false
	}
	return true
}

func (s *Server) putContainer(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !s.authorized(w, r) {
		return
	}
	s.m.Lock()
	name := p.ByName("container")
	created := s.containers[name] == nil
	if created {
		s.containers[name] = make(map[string]object)
	}
	s.m.Unlock()
	if created {
		w.WriteHeader(201)
	} else {
		w.WriteHeader(202)
	}
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !s.authorized(w, r) {
		return
	}
	container := p.ByName("container")
	key := strings.TrimPrefix(p.ByName("key"), "/")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(400)
		return
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	if want := r.Header.Get("Etag"); want != "" && want != etag {
		w.WriteHeader(422)
		return
	}

	s.m.Lock()
	defer s.m.Unlock()
	c := s.containers[container]
	if c == nil {
		w.WriteHeader(404)
		return
	}
	c[key] = object{
		data:     data,
		etag:     etag,
		manifest: r.URL.Query().Get("multipart-manifest") == "put",
	}
	w.Header().Set("Etag", etag)
	w.WriteHeader(201)
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !s.authorized(w, r) {
		return
	}
	s.m.Lock()
	obj, ok := s.containers[p.ByName("container")][strings.TrimPrefix(p.ByName("key"), "/")]
	s.m.Unlock()
	if !ok {
		w.WriteHeader(404)
		return
	}
	w.Header().Set("Etag", obj.etag)
	w.Header().Set("Content-Length", fmt.Sprint(len(obj.data)))
	if obj.manifest {
		w.Header().Set("X-Static-Large-Object", "True")
	}
	w.WriteHeader(200)
	if r.Method == "GET" {
		w.Write(obj.data)
	}
}

func (s *Server) listContainer(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !s.authorized(w, r) {
		return
	}
	s.m.Lock()
	c, ok := s.containers[p.ByName("container")]
	if !ok {
		s.m.Unlock()
		w.WriteHeader(404)
		return
	}
	prefix := r.URL.Query().Get("prefix")
	type entry struct {
		Name  string `json:"name"`
		Bytes int64  `json:"bytes"`
		Hash  string `json:"hash"`
	}
	var entries []entry
	for key, obj := range c {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, entry{key, int64(len(obj.data)), obj.etag})
		}
	}
	s.m.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	if r.URL.Query().Get("format") != "json" {
		w.WriteHeader(501)
		return
	}
	if len(entries) == 0 {
		w.WriteHeader(204)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
