// Package charset resolves and normalizes a message's text encoding for
// indexing (spec §4.8). A declared Content-Type charset is trusted as-is;
// when none is declared (legacy pre-MIME exports), Detect best-effort
// identifies one from the raw header+body bytes so the index still carries
// a plausible charset label instead of an empty one.
package charset

import (
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// Resolve returns declared if non-empty, otherwise a best-effort detection
// over raw. Returns "" when declared is empty and detection isn't
// confident enough to record.
func Resolve(declared string, raw []byte) string {
	if declared != "" {
		return declared
	}
	if name, ok := Detect(raw); ok {
		return name
	}
	return ""
}

// Detect runs chardet over raw and reports its best guess, using a lower
// confidence threshold for short samples (a few header lines) than for
// longer ones (full message bodies), since short samples rarely reach
// chardet's higher confidence scores even when the guess is right.
func Detect(raw []byte) (name string, ok bool) {
	minConfidence := 30
	if len(raw) > 50 {
		minConfidence = 50
	}
	result, err := chardet.NewTextDetector().DetectBest(raw)
	if err != nil || result.Confidence < minConfidence {
		return "", false
	}
	return result.Charset, true
}

// ByName returns the decoder for an IANA or common alias charset name, or
// nil if this package doesn't recognize it (including UTF-8 itself, which
// needs no conversion).
func ByName(name string) encoding.Encoding {
	switch name {
	case "windows-1252", "CP1252", "cp1252":
		return charmap.Windows1252
	case "ISO-8859-1", "iso-8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1
	case "ISO-8859-15", "iso-8859-15", "latin9":
		return charmap.ISO8859_15
	case "ISO-8859-2", "iso-8859-2", "latin2":
		return charmap.ISO8859_2
	case "Shift_JIS", "shift_jis", "shift-jis", "sjis":
		return japanese.ShiftJIS
	case "EUC-JP", "euc-jp", "eucjp":
		return japanese.EUCJP
	case "ISO-2022-JP", "iso-2022-jp":
		return japanese.ISO2022JP
	case "EUC-KR", "euc-kr", "euckr":
		return korean.EUCKR
	case "GB2312", "gb2312", "GBK", "gbk":
		return simplifiedchinese.GBK
	case "GB18030", "gb18030":
		return simplifiedchinese.GB18030
	case "Big5", "big5", "big-5":
		return traditionalchinese.Big5
	case "KOI8-R", "koi8-r":
		return charmap.KOI8R
	case "KOI8-U", "koi8-u":
		return charmap.KOI8U
	default:
		return nil
	}
}

// NormalizeToUTF8 decodes s as charsetName if it isn't already valid UTF-8.
// Used to clean up Subject/From/To values pulled from a legacy charset
// whose declared or detected name isn't already "utf-8"/"us-ascii". Falls
// back to replacing invalid bytes with U+FFFD if no decoder is known or
// decoding doesn't yield valid UTF-8.
func NormalizeToUTF8(s, charsetName string) string {
	if utf8.ValidString(s) {
		return s
	}
	if enc := ByName(charsetName); enc != nil {
		if decoded, err := enc.NewDecoder().Bytes([]byte(s)); err == nil && utf8.Valid(decoded) {
			return string(decoded)
		}
	}
	return sanitizeUTF8(s)
}

func sanitizeUTF8(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune('�')
			i++
		} else {
			sb.WriteRune(r)
			i += size
		}
	}
	return sb.String()
}
