package transfer

import (
	"errors"
	"strings"
	"testing"
)

func TestResumeToken_RoundTrip(t *testing.T) {
	original := NewResumeToken(
		"https://cdn.example.com/ep1.mp4",
		"/cache/downloads/d1.mp4.part",
		40960,
		102400,
		`"abc123"`,
		"Wed, 21 Oct 2015 07:28:00 GMT",
		1700000000000,
	)

	encoded, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := DecodeResumeToken(encoded)
	if err != nil {
		t.Fatalf("DecodeResumeToken() error = %v", err)
	}

	if *decoded != *original {
		t.Errorf("decoded token = %+v, want %+v", decoded, original)
	}
}

func TestDecodeResumeToken_RejectsTampering(t *testing.T) {
	token := NewResumeToken("https://x/ep1.mp4", "/cache/d1.part", 100, 200, "", "", 0)

	encoded, err := token.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// Flip a byte in the body without fixing the checksum.
	tampered := encoded
	if tampered[0] == 'A' {
		tampered = "B" + tampered[1:]
	} else {
		tampered = "A" + tampered[1:]
	}

	if _, err := DecodeResumeToken(tampered); err == nil {
		t.Fatal("DecodeResumeToken() should reject a tampered token")
	}
}

func TestDecodeResumeToken_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{name: "empty", encoded: ""},
		{name: "no suffix", encoded: "eyJ2IjoxfQ"},
		{name: "garbage suffix", encoded: "eyJ2IjoxfQ.zzzz-not-hex"},
		{name: "not base64", encoded: "!!!.0"},
		{name: "truncated", encoded: "eyJ2IjoxfQ.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResumeToken(tt.encoded)
			if err == nil {
				t.Fatal("DecodeResumeToken() should fail")
			}

			var tokenErr *TokenError
			if !errors.As(err, &tokenErr) {
				t.Errorf("error = %T, want *TokenError", err)
			}

			if Classify(err) != ClassRecoverable {
				t.Errorf("Classify() = %v, want ClassRecoverable", Classify(err))
			}
		})
	}
}

func TestDecodeResumeToken_UnsupportedVersion(t *testing.T) {
	token := NewResumeToken("https://x/ep1.mp4", "/cache/d1.part", 1, 2, "", "", 0)
	token.Version = 99

	encoded, err := token.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	_, err = DecodeResumeToken(encoded)
	if err == nil || !strings.Contains(err.Error(), "version") {
		t.Fatalf("DecodeResumeToken() error = %v, want version rejection", err)
	}
}
