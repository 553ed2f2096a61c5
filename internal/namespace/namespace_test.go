package namespace

import (
	"strings"
	"testing"

	"meshdb/internal/crypto"
)

func testAddr(t *testing.T) string {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	return id.Address()
}

func TestClassify(t *testing.T) {
	addr := testAddr(t)
	cases := []struct {
		key  string
		want Class
	}{
		{"chat-1", Public},
		{"=chat", Public},
		{":" + addr + ".profile", Private},
		{"==resource", Frozen},
		{"==", Frozen},
	}
	for _, tc := range cases {
		if got := Classify(tc.key); got != tc.want {
			t.Fatalf("Classify(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestPrivateOwner(t *testing.T) {
	addr := testAddr(t)
	owner, ok := PrivateOwner(":" + addr + ".profile")
	if !ok || owner != addr {
		t.Fatalf("expected owner %s, got %q %v", addr, owner, ok)
	}
	if _, ok := PrivateOwner("chat-1"); ok {
		t.Fatalf("expected no owner on public key")
	}
	if _, ok := PrivateOwner(":noseparator"); ok {
		t.Fatalf("expected missing separator to fail")
	}
}

func TestValidateKey(t *testing.T) {
	addr := testAddr(t)
	valid := []string{
		"chat-1",
		"==resource",
		":" + addr + ".profile",
	}
	for _, key := range valid {
		if err := ValidateKey(key); err != nil {
			t.Fatalf("ValidateKey(%q) = %v, want nil", key, err)
		}
	}
	invalid := []string{
		"",
		"chat.1",
		"==",
		"==res.ource",
		":" + addr + ".",
		":" + addr + ".pro.file",
		":notanaddress.profile",
		":" + strings.ToUpper(addr)[:10] + ".profile",
	}
	for _, key := range invalid {
		if err := ValidateKey(key); err == nil {
			t.Fatalf("ValidateKey(%q) = nil, want error", key)
		}
	}
}

func TestClassificationIsContentFree(t *testing.T) {
	// Same key string always classifies the same way.
	addr := testAddr(t)
	key := ":" + addr + ".profile"
	for i := 0; i < 3; i++ {
		if Classify(key) != Private {
			t.Fatalf("classification drifted")
		}
	}
}
