package charset_test

import (
	"strings"
	"testing"

	"github.com/mailkit/maildepot/internal/charset"
	"github.com/mailkit/maildepot/internal/testutil"
)

func TestResolvePrefersDeclared(t *testing.T) {
	got := charset.Resolve("iso-8859-1", []byte("irrelevant"))
	if got != "iso-8859-1" {
		t.Fatalf("Resolve = %q, want declared value preserved", got)
	}
}

func TestResolveFallsBackToDetectionWhenUndeclared(t *testing.T) {
	// A long, repetitive Windows-1252 sample: apostrophe-heavy English
	// prose gives chardet's heuristics enough signal to clear the
	// longer-sample confidence threshold.
	sample := []byte(strings.Repeat("It's a lovely day, isn't it? I'm sure it's fine. ", 10))
	got := charset.Resolve("", sample)
	if got == "" {
		t.Fatalf("Resolve returned empty charset for a detectable sample")
	}
}

func TestResolveReturnsEmptyWhenUndetectable(t *testing.T) {
	got := charset.Resolve("", []byte{0x00, 0x01, 0x02})
	if got != "" {
		t.Fatalf("Resolve = %q, want empty for an undetectable sample", got)
	}
}

func TestByNameKnownAliases(t *testing.T) {
	for _, name := range []string{"windows-1252", "ISO-8859-1", "Shift_JIS", "GBK", "Big5"} {
		if charset.ByName(name) == nil {
			t.Fatalf("ByName(%q) = nil, want a decoder", name)
		}
	}
}

func TestByNameUnknownReturnsNil(t *testing.T) {
	if charset.ByName("x-made-up-charset") != nil {
		t.Fatalf("ByName returned a decoder for an unrecognized name")
	}
}

func TestNormalizeToUTF8LeavesValidUTF8Untouched(t *testing.T) {
	s := "already valid utf-8: héllo"
	if got := charset.NormalizeToUTF8(s, "iso-8859-1"); got != s {
		t.Fatalf("NormalizeToUTF8 altered valid UTF-8: got %q", got)
	}
}

func TestNormalizeToUTF8DecodesLatin1(t *testing.T) {
	// 0xE9 is "é" in Latin-1/Windows-1252 but not valid UTF-8 on its own.
	raw := string([]byte{0xE9})
	got := charset.NormalizeToUTF8(raw, "iso-8859-1")
	if got != "é" {
		t.Fatalf("NormalizeToUTF8 = %q, want %q", got, "é")
	}
}

func TestNormalizeToUTF8FallsBackToReplacementForUnknownCharset(t *testing.T) {
	raw := string([]byte{0xFF, 0xFE})
	got := charset.NormalizeToUTF8(raw, "x-made-up-charset")
	if got == raw {
		t.Fatalf("expected invalid bytes to be replaced, got unchanged %q", got)
	}
}

// Legacy mbox exports frequently declare no charset at all, or declare one
// loosely; these samples exercise Resolve+NormalizeToUTF8 against a spread
// of real legacy encodings rather than a single hand-picked byte.
func TestNormalizeToUTF8AcrossLegacyEncodings(t *testing.T) {
	cases := []struct {
		name    string
		raw     []byte
		charset string
	}{
		{"shift-jis", testutil.EncodedSamples.ShiftJIS_Konnichiwa, "shift_jis"},
		{"gbk", testutil.EncodedSamples.GBK_Nihao, "gbk"},
		{"big5", testutil.EncodedSamples.Big5_Nihao, "big5"},
		{"euc-kr", testutil.EncodedSamples.EUCKR_Annyeong, "euc-kr"},
		{"windows-1252 em dash", testutil.EncodedSamples.Win1252_EmDash, "windows-1252"},
		{"latin-1 u umlaut", testutil.EncodedSamples.Latin1_UUmlaut, "iso-8859-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := charset.NormalizeToUTF8(string(tc.raw), tc.charset)
			if got == "" {
				t.Fatalf("NormalizeToUTF8(%s) produced nothing", tc.name)
			}
			if got == string(tc.raw) {
				t.Fatalf("NormalizeToUTF8(%s) left raw bytes unconverted: %q", tc.name, got)
			}
			testutil.AssertValidUTF8(t, got)
		})
	}
}
