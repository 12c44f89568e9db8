package caldav

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestDigestRFC2617Vector(t *testing.T) {
	ch := &DigestChallenge{
		Realm:  "testrealm@host.com",
		Nonce:  "dcd98b7102dd2f0e8b11d0f600bfb0c093",
		QOP:    []string{"auth", "auth-int"},
		Opaque: "5ccc069c403ebaf9f0171e9517f40e41",
	}

	header, err := digestHeader(ch, "Mufasa", "Circle Of Life", "GET", "/dir/index.html", nil, "0a4f113b", "00000001")
	if err != nil {
		t.Fatalf("digestHeader failed: %v", err)
	}

	for _, want := range []string{
		`Digest username="Mufasa"`,
		`realm="testrealm@host.com"`,
		`nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093"`,
		`uri="/dir/index.html"`,
		`response="6629fae49393a05397450978507c4ef1"`,
		`algorithm=MD5`,
		`qop=auth`,
		`nc=00000001`,
		`cnonce="0a4f113b"`,
		`opaque="5ccc069c403ebaf9f0171e9517f40e41"`,
	} {
		if !strings.Contains(header, want) {
			t.Errorf("header missing %s\n%s", want, header)
		}
	}
}

func TestDigestWithoutQOP(t *testing.T) {
	ch := &DigestChallenge{Realm: "r", Nonce: "n"}
	header, err := digestHeader(ch, "u", "p", "PUT", "/cal/a.ics", nil, "c", "00000001")
	if err != nil {
		t.Fatalf("digestHeader failed: %v", err)
	}
	want := md5Hex(md5Hex("u:r:p") + ":n:" + md5Hex("PUT:/cal/a.ics"))
	if !strings.Contains(header, `response="`+want+`"`) {
		t.Errorf("unexpected response in %s", header)
	}
	if strings.Contains(header, "qop=") || strings.Contains(header, "cnonce=") {
		t.Errorf("no qop negotiated, header should omit qop/nc/cnonce: %s", header)
	}
}

func TestDigestSessAndAuthInt(t *testing.T) {
	ch := &DigestChallenge{Realm: "r", Nonce: "n", Algorithm: "MD5-sess", QOP: []string{"auth-int"}}
	body := []byte("BEGIN:VCALENDAR")
	header, err := digestHeader(ch, "u", "p", "PUT", "/x", body, "cn", "0000000a")
	if err != nil {
		t.Fatalf("digestHeader failed: %v", err)
	}
	ha1 := md5Hex(md5Hex("u:r:p") + ":n:cn")
	ha2 := md5Hex("PUT:/x:" + md5Hex(string(body)))
	want := md5Hex(ha1 + ":n:0000000a:cn:auth-int:" + ha2)
	if !strings.Contains(header, `response="`+want+`"`) {
		t.Errorf("unexpected response in %s", header)
	}
	if !strings.Contains(header, "algorithm=MD5-sess") || !strings.Contains(header, "qop=auth-int") {
		t.Errorf("unexpected header %s", header)
	}
}

func TestDigestUnsupportedAlgorithm(t *testing.T) {
	ch := &DigestChallenge{Realm: "r", Nonce: "n", Algorithm: "SHA-512-256"}
	_, err := digestHeader(ch, "u", "p", "GET", "/", nil, "c", "00000001")
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestDigestCounterAndCnonce(t *testing.T) {
	d := NewDigestAuth("u", "p")
	ch := &DigestChallenge{Realm: "r", Nonce: "n", QOP: []string{"auth"}}

	first, err := d.Authorize(ch, "GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Authorize(ch, "GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}

	p1 := parseAuthParams(strings.TrimPrefix(first, "Digest "))
	p2 := parseAuthParams(strings.TrimPrefix(second, "Digest "))
	if p1["nc"] != "00000001" || p2["nc"] != "00000002" {
		t.Errorf("nonce counts = %s, %s", p1["nc"], p2["nc"])
	}
	if p1["cnonce"] == p2["cnonce"] {
		t.Error("client nonce must be fresh per request")
	}
	if len(p1["cnonce"]) != 32 || strings.Contains(p1["cnonce"], "-") {
		t.Errorf("unexpected cnonce format %q", p1["cnonce"])
	}
}

func TestParseDigestChallenge(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    DigestChallenge
		wantErr error
	}{
		{
			name:   "typical",
			header: `Digest realm="caldav", nonce="abc", qop="auth,auth-int", algorithm=MD5, opaque="xyz"`,
			want:   DigestChallenge{Realm: "caldav", Nonce: "abc", Algorithm: "MD5", QOP: []string{"auth", "auth-int"}, Opaque: "xyz"},
		},
		{
			name:   "lowercase scheme after basic",
			header: `Basic realm="x", digest realm="r", nonce="n"`,
			want:   DigestChallenge{Realm: "r", Nonce: "n"},
		},
		{
			name:   "escaped quotes",
			header: `Digest realm="say \"hi\"", nonce="a\\b"`,
			want:   DigestChallenge{Realm: `say "hi"`, Nonce: `a\b`},
		},
		{
			name:   "comma in quoted value",
			header: `Digest realm="a, b", nonce=n1, qop=auth`,
			want:   DigestChallenge{Realm: "a, b", Nonce: "n1", QOP: []string{"auth"}},
		},
		{name: "basic only", header: `Basic realm="x"`, wantErr: ErrNoDigestChallenge},
		{name: "missing nonce", header: `Digest realm="x"`, wantErr: ErrIncompleteChallenge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDigestChallenge(tt.header)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Realm != tt.want.Realm || got.Nonce != tt.want.Nonce ||
				got.Algorithm != tt.want.Algorithm || got.Opaque != tt.want.Opaque ||
				strings.Join(got.QOP, ",") != strings.Join(tt.want.QOP, ",") {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestPreferredQOP(t *testing.T) {
	tests := []struct {
		offered []string
		want    string
	}{
		{nil, ""},
		{[]string{"auth-int", "auth"}, "auth"},
		{[]string{"auth-int"}, "auth-int"},
		{[]string{"AUTH"}, "auth"},
	}
	for _, tt := range tests {
		ch := &DigestChallenge{QOP: tt.offered}
		if got := ch.preferredQOP(); got != tt.want {
			t.Errorf("preferredQOP(%v) = %q, want %q", tt.offered, got, tt.want)
		}
	}
}

func TestRequestURI(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://example.com", "/"},
		{"https://example.com/cal/", "/cal/"},
		{"https://example.com/cal/a%20b.ics?x=1", "/cal/a%20b.ics?x=1"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatal(err)
		}
		if got := requestURI(u); got != tt.want {
			t.Errorf("requestURI(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

// The header parser must read back every quoted value the header writer
// escapes.
func TestEscapeQuotesProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		realm := rapid.StringMatching(`[a-zA-Z0-9 ,="\\@.]{1,30}`).Draw(rt, "realm")
		nonce := rapid.StringMatching(`[a-f0-9]{8,32}`).Draw(rt, "nonce")
		header := `Digest realm="` + escapeQuotes(realm) + `", nonce="` + nonce + `"`

		ch, err := ParseDigestChallenge(header)
		if err != nil {
			rt.Fatalf("parse failed for %s: %v", header, err)
		}
		if ch.Realm != realm || ch.Nonce != nonce {
			rt.Errorf("got realm=%q nonce=%q from %s", ch.Realm, ch.Nonce, header)
		}
	})
}
