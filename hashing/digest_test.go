package hashing

import (
	"os"
	"strings"
	"testing"
)

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func TestNewDigestValidation(t *testing.T) {
	native := New(TypeNative)
	compat := New(TypeCompatible)

	valid40 := strings.Repeat("ab", 20)
	valid64 := strings.Repeat("ab", 32)

	cases := []struct {
		name    string
		f       Function
		hex     string
		size    int64
		isTree  bool
		wantErr bool
	}{
		{"native ok", native, valid40, 10, false, false},
		{"native wrong length", native, valid64, 10, false, true},
		{"compatible ok", compat, valid64, 10, false, false},
		{"compatible wrong length", compat, valid40, 10, false, true},
		{"upper case rejected", native, strings.ToUpper(valid40), 10, false, true},
		{"non-hex rejected", native, strings.Repeat("zz", 20), 10, false, true},
		{"size-unknown tree native", native, valid40, 0, true, false},
		{"empty tree compatible", compat, valid64, 0, true, false},
		{"empty blob", native, valid40, 0, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDigest(tc.f, tc.hex, tc.size, tc.isTree)
			if (err != nil) != tc.wantErr {
				t.Fatalf("got err %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestDigestStringRoundTrip(t *testing.T) {
	f := New(TypeNative)
	d, err := NewDigest(f, strings.Repeat("0a", 20), 42, true)
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseDigest(f, d.String())
	if err != nil {
		t.Fatal(err)
	}
	if back != d {
		t.Fatalf("round trip changed digest: %v != %v", back, d)
	}
}

func TestSizeKnown(t *testing.T) {
	native := strings.Repeat("ab", 20)
	compat := strings.Repeat("ab", 32)

	if (Digest{Hex: native, Size: 0, IsTree: true}).SizeKnown() {
		t.Fatal("sizeless git tree reported as known")
	}
	if !(Digest{Hex: native, Size: 0, IsTree: false}).SizeKnown() {
		t.Fatal("empty blob is a known size")
	}
	// A compatible-mode empty directory serializes to zero bytes; its
	// zero size is genuine, not a sentinel.
	if !(Digest{Hex: compat, Size: 0, IsTree: true}).SizeKnown() {
		t.Fatal("empty compatible tree is a known size")
	}
}
