package jwk_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/openbotauth/openbotauth/internal/jwk"
)

func testKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestFromEd25519_roundTrip(t *testing.T) {
	pub, _ := testKey(t)

	k, err := jwk.FromEd25519(pub)
	if err != nil {
		t.Fatalf("FromEd25519: %v", err)
	}
	if k.Kty != jwk.KeyTypeOKP || k.Crv != jwk.CurveEd25519 {
		t.Fatalf("got kty=%q crv=%q", k.Kty, k.Crv)
	}
	if k.Kid == "" {
		t.Fatal("kid not derived")
	}

	back, err := k.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !pub.Equal(back) {
		t.Fatal("decoded public key differs from original")
	}
}

func TestFromEd25519_rejectsShortKey(t *testing.T) {
	_, err := jwk.FromEd25519(ed25519.PublicKey([]byte("short")))
	if !errors.Is(err, jwk.ErrMalformedKey) {
		t.Fatalf("got %v, want ErrMalformedKey", err)
	}
}

func TestThumbprint_matchesRFC7638Construction(t *testing.T) {
	pub, _ := testKey(t)
	x := base64.RawURLEncoding.EncodeToString(pub)

	// RFC 7638: SHA-256 over the canonical JSON with lexicographically
	// ordered required members.
	canonical := `{"crv":"Ed25519","kty":"OKP","x":"` + x + `"}`
	sum := sha256.Sum256([]byte(canonical))
	want := base64.RawURLEncoding.EncodeToString(sum[:])

	if got := jwk.ThumbprintFromX(x); got != want {
		t.Fatalf("ThumbprintFromX = %q, want %q", got, want)
	}

	k, _ := jwk.FromEd25519(pub)
	tp, err := k.Thumbprint()
	if err != nil {
		t.Fatalf("Thumbprint: %v", err)
	}
	if tp != want || k.Kid != want {
		t.Fatalf("Thumbprint = %q, Kid = %q, want %q", tp, k.Kid, want)
	}
}

func TestLegacyKid_differsFromThumbprint(t *testing.T) {
	pub, _ := testKey(t)
	x := base64.RawURLEncoding.EncodeToString(pub)

	sum := sha256.Sum256(pub)
	want := base64.RawURLEncoding.EncodeToString(sum[:])

	if got := jwk.LegacyKid(pub); got != want {
		t.Fatalf("LegacyKid = %q, want %q", got, want)
	}
	fromX, err := jwk.LegacyKidFromX(x)
	if err != nil {
		t.Fatalf("LegacyKidFromX: %v", err)
	}
	if fromX != want {
		t.Fatalf("LegacyKidFromX = %q, want %q", fromX, want)
	}
	if want == jwk.ThumbprintFromX(x) {
		t.Fatal("legacy kid should not collide with canonical thumbprint")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		key  jwk.Key
		want error
	}{
		{"rsa rejected", jwk.Key{Kty: "RSA"}, jwk.ErrUnsupportedKeyType},
		{"wrong curve", jwk.Key{Kty: "OKP", Crv: "X25519"}, jwk.ErrUnsupportedKeyType},
		{"missing x", jwk.Key{Kty: "OKP", Crv: "Ed25519"}, jwk.ErrMalformedKey},
		{"ok", jwk.Key{Kty: "OKP", Crv: "Ed25519", X: "AAAA"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.key.Validate()
			if tc.want == nil {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestWithAlias(t *testing.T) {
	pub, _ := testKey(t)
	k, _ := jwk.FromEd25519(pub)

	keys := k.WithAlias()
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want canonical plus legacy alias", len(keys))
	}
	if keys[0].Kid != k.Kid {
		t.Fatalf("first key kid = %q, want canonical %q", keys[0].Kid, k.Kid)
	}
	if keys[1].Kid != jwk.LegacyKid(pub) {
		t.Fatalf("alias kid = %q, want legacy kid", keys[1].Kid)
	}
	if keys[1].X != k.X {
		t.Fatal("alias must carry the same key material")
	}

	// A key already published under its legacy kid gains no duplicate.
	legacy := k
	legacy.Kid = jwk.LegacyKid(pub)
	if got := len(legacy.WithAlias()); got != 2 {
		t.Fatalf("legacy-kid key expanded to %d entries, want 2", got)
	}
}

func TestSetLookup(t *testing.T) {
	pub, _ := testKey(t)
	k, _ := jwk.FromEd25519(pub)
	set := jwk.Set{Keys: k.WithAlias()}

	if _, ok := set.Lookup(k.Kid); !ok {
		t.Fatal("canonical kid not found")
	}
	if _, ok := set.Lookup(jwk.LegacyKid(pub)); !ok {
		t.Fatal("legacy kid not found")
	}
	if _, ok := set.Lookup("nope"); ok {
		t.Fatal("unknown kid unexpectedly found")
	}
}
