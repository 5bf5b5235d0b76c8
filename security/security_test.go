package security_test

import (
	"errors"
	"testing"

	"github.com/smallsat/snp/header"
	"github.com/smallsat/snp/security"
)

func TestCheckNoRequirementsPassesPlainPayload(t *testing.T) {
	v := security.Verifier{}
	out, ok := v.Check(0, 0, []byte("hello"))
	if !ok {
		t.Fatal("Check() ok = false, want true")
	}
	if string(out) != "hello" {
		t.Errorf("Check() payload = %q, want %q", out, "hello")
	}
}

func TestCheckCRC32(t *testing.T) {
	tests := []struct {
		name     string
		flags    uint8
		required security.RequiredOpts
		verify   func([]byte) bool
		wantOK   bool
	}{
		{
			name: "flagged and verifier passes", flags: header.FlagCRC32,
			verify: func([]byte) bool { return true }, wantOK: true,
		},
		{
			name: "flagged and verifier fails", flags: header.FlagCRC32,
			verify: func([]byte) bool { return false }, wantOK: false,
		},
		{
			name: "flagged with no verifier wired", flags: header.FlagCRC32,
			wantOK: false,
		},
		{
			// A packet lacking CRC32 is accepted even when required; the
			// strictness on required-but-missing applies to XTEA and HMAC
			// only.
			name: "required but not flagged is accepted", flags: 0,
			required: security.RequireCRC32, wantOK: true,
		},
		{
			name: "not required, not flagged", flags: 0, wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := security.Verifier{CRC32Verify: tt.verify}
			_, ok := v.Check(tt.flags, tt.required, []byte("payload"))
			if ok != tt.wantOK {
				t.Errorf("Check() ok = %v, want %v", ok, tt.wantOK)
			}
		})
	}
}

func TestCheckXTEARequiredButNotWired(t *testing.T) {
	v := security.Verifier{}
	_, ok := v.Check(0, security.RequireXTEA, []byte("payload"))
	if ok {
		t.Fatal("Check() with required XTEA and nil decrypt ok = true, want false")
	}
}

func TestCheckXTEADecryptError(t *testing.T) {
	v := security.Verifier{XTEADecrypt: func([]byte) ([]byte, error) { return nil, errors.New("boom") }}
	_, ok := v.Check(0, security.RequireXTEA, []byte("payload"))
	if ok {
		t.Fatal("Check() with failing XTEA decrypt ok = true, want false")
	}
}

func TestCheckOrderingXTEAThenCRCThenHMAC(t *testing.T) {
	var calls []string
	v := security.Verifier{
		XTEADecrypt: func(b []byte) ([]byte, error) { calls = append(calls, "xtea"); return b, nil },
		CRC32Verify: func([]byte) bool { calls = append(calls, "crc32"); return true },
		HMACVerify:  func([]byte) bool { calls = append(calls, "hmac"); return true },
	}
	required := security.RequireXTEA
	flags := header.FlagCRC32 | header.FlagHMAC
	_, ok := v.Check(flags, required, []byte("payload"))
	if !ok {
		t.Fatal("Check() ok = false, want true")
	}
	want := []string{"xtea", "crc32", "hmac"}
	if len(calls) != len(want) {
		t.Fatalf("Check() call order = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("Check() call order = %v, want %v", calls, want)
			break
		}
	}
}
