package caldav

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Digest errors.
var (
	// ErrNoDigestChallenge is returned when a WWW-Authenticate header does
	// not carry a Digest challenge.
	ErrNoDigestChallenge = errors.New("no digest challenge")

	// ErrIncompleteChallenge is returned when a Digest challenge lacks the
	// realm or nonce parameter.
	ErrIncompleteChallenge = errors.New("digest challenge missing realm or nonce")

	// ErrUnsupportedAlgorithm is returned for algorithms other than MD5 and
	// MD5-sess.
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")
)

const (
	qopAuth    = "auth"
	qopAuthInt = "auth-int"
)

// DigestChallenge is a parsed RFC 2617 Digest challenge.
type DigestChallenge struct {
	Realm     string
	Nonce     string
	Algorithm string   // empty means MD5
	QOP       []string // offered quality-of-protection tokens
	Opaque    string
}

// ParseDigestChallenge extracts a Digest challenge from a WWW-Authenticate
// header value. The scheme name is matched case-insensitively and may be
// preceded by other schemes.
func ParseDigestChallenge(header string) (*DigestChallenge, error) {
	idx := strings.Index(strings.ToLower(header), "digest")
	if idx < 0 {
		return nil, ErrNoDigestChallenge
	}
	params := parseAuthParams(header[idx+len("digest"):])

	ch := &DigestChallenge{
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		Algorithm: params["algorithm"],
		Opaque:    params["opaque"],
	}
	if qop, ok := params["qop"]; ok {
		for _, tok := range strings.Split(qop, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				ch.QOP = append(ch.QOP, tok)
			}
		}
	}
	if ch.Realm == "" || ch.Nonce == "" {
		return nil, ErrIncompleteChallenge
	}
	return ch, nil
}

// parseAuthParams reads comma-separated key=value pairs. Values may be
// quoted, with backslash escapes inside quotes. Keys are lowercased.
func parseAuthParams(s string) map[string]string {
	params := make(map[string]string)
	i := 0
	n := len(s)
	for i < n {
		for i < n && (s[i] == ' ' || s[i] == '\t' || s[i] == ',') {
			i++
		}
		start := i
		for i < n && s[i] != '=' && s[i] != ',' {
			i++
		}
		key := strings.ToLower(strings.TrimSpace(s[start:i]))
		if i >= n || s[i] != '=' {
			continue
		}
		i++ // '='
		for i < n && (s[i] == ' ' || s[i] == '\t') {
			i++
		}

		var val strings.Builder
		if i < n && s[i] == '"' {
			i++
			for i < n && s[i] != '"' {
				if s[i] == '\\' && i+1 < n {
					i++
				}
				val.WriteByte(s[i])
				i++
			}
			i++ // closing quote
		} else {
			start = i
			for i < n && s[i] != ',' {
				i++
			}
			val.WriteString(strings.TrimSpace(s[start:i]))
		}
		if key != "" {
			params[key] = val.String()
		}
	}
	return params
}

// preferredQOP picks "auth" when offered, otherwise the first token.
func (c *DigestChallenge) preferredQOP() string {
	for _, q := range c.QOP {
		if strings.EqualFold(q, qopAuth) {
			return qopAuth
		}
	}
	if len(c.QOP) > 0 {
		return strings.ToLower(c.QOP[0])
	}
	return ""
}

// DigestAuth computes Authorization headers for one set of credentials.
// The nonce counter is shared by every request made through it.
type DigestAuth struct {
	username string
	password string
	counter  atomic.Uint32
	cnonce   func() string
}

// NewDigestAuth returns a DigestAuth with a random client nonce per request.
func NewDigestAuth(username, password string) *DigestAuth {
	return &DigestAuth{
		username: username,
		password: password,
		cnonce: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}
}

// Authorize returns the Authorization header value answering ch for a
// request with the given method, request-uri and body.
func (d *DigestAuth) Authorize(ch *DigestChallenge, method, uri string, body []byte) (string, error) {
	nc := fmt.Sprintf("%08x", d.counter.Add(1))
	return digestHeader(ch, d.username, d.password, method, uri, body, d.cnonce(), nc)
}

func digestHeader(ch *DigestChallenge, username, password, method, uri string, body []byte, cnonce, nc string) (string, error) {
	algorithm := ch.Algorithm
	if algorithm == "" {
		algorithm = "MD5"
	}
	var sess bool
	switch strings.ToUpper(algorithm) {
	case "MD5":
	case "MD5-SESS":
		sess = true
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}

	qop := ch.preferredQOP()

	ha1 := md5Hex(username + ":" + ch.Realm + ":" + password)
	if sess {
		ha1 = md5Hex(ha1 + ":" + ch.Nonce + ":" + cnonce)
	}

	var ha2 string
	if qop == qopAuthInt {
		ha2 = md5Hex(method + ":" + uri + ":" + md5Hex(string(body)))
	} else {
		ha2 = md5Hex(method + ":" + uri)
	}

	var response string
	if qop != "" {
		response = md5Hex(ha1 + ":" + ch.Nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
	} else {
		response = md5Hex(ha1 + ":" + ch.Nonce + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", algorithm=%s`,
		escapeQuotes(username), escapeQuotes(ch.Realm), escapeQuotes(ch.Nonce),
		escapeQuotes(uri), response, algorithm)
	if qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s"`, qop, nc, escapeQuotes(cnonce))
	}
	if ch.Opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, escapeQuotes(ch.Opaque))
	}
	return b.String(), nil
}

// requestURI is the digest-uri for u: the escaped path (or "/") plus query.
func requestURI(u *url.URL) string {
	uri := u.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	if u.RawQuery != "" {
		uri += "?" + u.RawQuery
	}
	return uri
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
