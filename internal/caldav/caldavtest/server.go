// Package caldavtest provides an in-process CalDAV collection for tests.
//
// The server keeps VTODO resources in memory, honours If-Match and
// If-None-Match, answers calendar-query REPORTs with a multistatus body and
// authenticates with Basic or, when RequireDigest is set, with a Digest
// challenge that it verifies.
package caldavtest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
)

// Collection is the path of the calendar collection served.
const Collection = "/calendars/user/tasks/"

// Resource is one stored VTODO.
type Resource struct {
	Data string
	ETag string // quoted
}

// Request records one request the server received.
type Request struct {
	Method        string
	Path          string
	IfMatch       string
	IfNoneMatch   string
	Authorization string
}

// Server is a fake CalDAV server. Configure the exported fields before the
// first request.
type Server struct {
	*httptest.Server

	Username string
	Password string

	// RequireDigest rejects Basic credentials with a Digest challenge.
	RequireDigest bool
	// Realm and Nonce are offered in the Digest challenge.
	Realm string
	Nonce string
	// Forbidden answers every request with 403.
	Forbidden bool
	// RelativeHrefs makes REPORT return hrefs relative to the collection.
	RelativeHrefs bool
	// OmitETags suppresses ETag headers on PUT responses.
	OmitETags bool

	mu        sync.Mutex
	resources map[string]*Resource
	etagSeq   int
	requests  []Request
}

// NewServer starts a server accepting user/secret.
func NewServer() *Server {
	s := &Server{
		Username:  "user",
		Password:  "secret",
		Realm:     "caldavtest",
		Nonce:     "6f1a7d0b9c2e4d8f",
		resources: make(map[string]*Resource),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// CollectionURL returns the absolute collection URL.
func (s *Server) CollectionURL() string {
	return s.URL + Collection
}

// Href returns the absolute URL of the resource named name.ics.
func (s *Server) Href(name string) string {
	return s.URL + Collection + name + ".ics"
}

// Put stores data under name.ics as if another client had written it and
// returns the new ETag.
func (s *Server) Put(name, data string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(Collection+name+".ics", data)
}

// Resource returns the resource at name.ics.
func (s *Server) Resource(name string) (Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[Collection+name+".ics"]
	if !ok {
		return Resource{}, false
	}
	return *r, true
}

// Remove deletes name.ics as if another client had deleted it.
func (s *Server) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, Collection+name+".ics")
}

// Len returns the number of stored resources.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources)
}

// Requests returns a copy of the recorded requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many authenticated requests used method.
func (s *Server) Count(method string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && r.Authorization != "" {
			n++
		}
	}
	return n
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) store(p, data string) string {
	s.etagSeq++
	etag := fmt.Sprintf(`"%d"`, s.etagSeq)
	s.resources[p] = &Resource{Data: data, ETag: etag}
	return etag
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	authz := ""
	if s.authorized(r, body) {
		authz = r.Header.Get("Authorization")
	}
	s.requests = append(s.requests, Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		IfMatch:       r.Header.Get("If-Match"),
		IfNoneMatch:   r.Header.Get("If-None-Match"),
		Authorization: authz,
	})

	if authz == "" {
		if s.RequireDigest {
			w.Header().Add("WWW-Authenticate", `Basic realm="`+s.Realm+`"`)
			w.Header().Add("WWW-Authenticate", fmt.Sprintf(`Digest realm="%s", nonce="%s", qop="auth,auth-int", algorithm=MD5, opaque="op"`, s.Realm, s.Nonce))
		} else {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+s.Realm+`"`)
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.Forbidden {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	switch r.Method {
	case "REPORT":
		s.report(w, r)
	case http.MethodPut:
		s.put(w, r, string(body))
	case http.MethodGet:
		res, ok := s.resources[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", res.ETag)
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		_, _ = io.WriteString(w, res.Data)
	case http.MethodDelete:
		res, ok := s.resources[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if m := r.Header.Get("If-Match"); m != "" && m != res.ETag {
			http.Error(w, "precondition failed", http.StatusPreconditionFailed)
			return
		}
		delete(s.resources, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) put(w http.ResponseWriter, r *http.Request, body string) {
	existing, exists := s.resources[r.URL.Path]
	if r.Header.Get("If-None-Match") == "*" && exists {
		http.Error(w, "resource exists", http.StatusPreconditionFailed)
		return
	}
	if m := r.Header.Get("If-Match"); m != "" && (!exists || m != existing.ETag) {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}
	etag := s.store(r.URL.Path, body)
	if !s.OmitETags {
		w.Header().Set("ETag", etag)
	}
	if exists {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != Collection || r.Header.Get("Depth") != "1" {
		http.Error(w, "bad report", http.StatusBadRequest)
		return
	}

	paths := make([]string, 0, len(s.resources))
	for p := range s.resources {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">`)
	for _, p := range paths {
		res := s.resources[p]
		href := p
		if s.RelativeHrefs {
			href = path.Base(p)
		}
		fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat><d:prop><d:getetag>%s</d:getetag><cal:calendar-data>%s</cal:calendar-data></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
			html.EscapeString(href), html.EscapeString(res.ETag), html.EscapeString(res.Data))
	}
	b.WriteString(`</d:multistatus>`)

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, b.String())
}

func (s *Server) authorized(r *http.Request, body []byte) bool {
	if !s.RequireDigest {
		user, pass, ok := r.BasicAuth()
		return ok && user == s.Username && pass == s.Password
	}

	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Digest ") {
		return false
	}
	p := parseParams(h[len("Digest "):])
	if p["username"] != s.Username || p["realm"] != s.Realm || p["nonce"] != s.Nonce {
		return false
	}
	if p["uri"] != r.URL.RequestURI() {
		return false
	}

	ha1 := md5Hex(s.Username + ":" + s.Realm + ":" + s.Password)
	ha2 := md5Hex(r.Method + ":" + p["uri"])
	if p["qop"] == "auth-int" {
		ha2 = md5Hex(r.Method + ":" + p["uri"] + ":" + md5Hex(string(body)))
	}
	var want string
	if p["qop"] != "" {
		want = md5Hex(ha1 + ":" + s.Nonce + ":" + p["nc"] + ":" + p["cnonce"] + ":" + p["qop"] + ":" + ha2)
	} else {
		want = md5Hex(ha1 + ":" + s.Nonce + ":" + ha2)
	}
	return p["response"] == want && p["opaque"] == "op"
}

func parseParams(s string) map[string]string {
	out := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ,")
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]
		var val string
		if strings.HasPrefix(s, `"`) {
			var b strings.Builder
			i := 1
			for ; i < len(s) && s[i] != '"'; i++ {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				b.WriteByte(s[i])
			}
			val = b.String()
			if i < len(s) {
				i++
			}
			s = s[i:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			val = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		out[key] = val
	}
	return out
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
