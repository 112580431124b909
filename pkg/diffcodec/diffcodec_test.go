package diffcodec

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRestoresTarget(t *testing.T) {
	cases := []struct {
		name string
		a    string
		b    string
	}{
		{name: "delete", a: "hi there", b: "hi"},
		{name: "replace", a: "hi there!", b: "hi bob!"},
		{name: "insert", a: "what for", b: "what for?"},
		{name: "from blank", a: "", b: "something"},
		{name: "to blank", a: "something", b: ""},
		{name: "both blank", a: "", b: ""},
		{name: "identical", a: "same", b: "same"},
		{name: "newline", a: "one line\ntwo lines\n", b: "\none line two lines"},
		{name: "backslash", a: "a\\b\\c", b: "\\a\\B\\c\\d"},
		{name: "escaped lookalike", a: "x", b: "\\n is not a newline\n"},
		{name: "commas in text", a: "a,b", b: "a,,c,b,"},
		{name: "multibyte", a: "naïve café", b: "naive cafés ☕"},
		{name: "invalid utf8 inserted", a: "abc", b: "ab\xffc"},
		{name: "invalid utf8 replaced", a: "\xfe\xffé", b: "\xffé\xc3"},
		{name: "invalid utf8 kept", a: "x\xe2\x82", b: "\xe2\x82x"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			patch := Encode(tc.a, tc.b)
			if patch != "" {
				for _, line := range strings.Split(patch, "\n") {
					require.NotEmpty(t, line)
				}
			}

			got, err := Decode(patch, tc.a)
			require.NoError(t, err)
			require.Equal(t, tc.b, got)
		})
	}
}

func TestEncodeProducesExpectedScript(t *testing.T) {
	require.Equal(t, "", Encode("abc", "abc"))
	require.Equal(t, "d2,8", Encode("hi there", "hi"))
	require.Equal(t, "i0,something", Encode("", "something"))
	require.Equal(t, "ia,ab", Encode("0123456789", "0123456789ab"))
	require.Equal(t, "i2,\xff", Encode("abc", "ab\xffc"))
	require.Equal(t, "r1,2,x", Encode("aéb", "axb"))
}

func examDocument(size int) string {
	var b strings.Builder
	b.WriteString(`{"start":1709287200000,"questions":[`)
	for q := 0; b.Len() < size; q++ {
		if q > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"name":"q%d","score":3,"answer":"%d","parts":[{"score":3,"gaps":[{"answer":"x%d"}]}]}`, q, q*7, q)
	}
	b.WriteString(`]}`)
	return b.String()
}

func TestEncodeLargeDocumentWithSmallEdit(t *testing.T) {
	a := examDocument(64 * 1024)
	b := strings.Replace(a, `"score":3`, `"score":7`, 5)
	require.NotEqual(t, a, b)

	started := time.Now()
	patch := Encode(a, b)
	require.Less(t, time.Since(started), 2*time.Second)
	require.Less(t, len(patch), 200)

	got, err := Decode(patch, a)
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestEncodeDecodeRandomStrings(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []rune("ab\\\n,xyz é")

	randomString := func() string {
		n := rng.Intn(40)
		rs := make([]rune, n)
		for i := range rs {
			rs[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return string(rs)
	}

	for i := 0; i < 500; i++ {
		a := randomString()
		b := randomString()

		got, err := Decode(Encode(a, b), a)
		require.NoError(t, err, "a=%q b=%q", a, b)
		require.Equal(t, b, got, "a=%q b=%q", a, b)
	}
}

func TestDecodeRejectsCorruptPatch(t *testing.T) {
	cases := map[string]string{
		"unknown opcode":    "x1,2",
		"missing text":      "i3",
		"bad hex":           "dz,2",
		"reversed span":     "d4,2",
		"span out of range": "d0,ff",
		"insert past end":   "i99,x",
	}

	for name, patch := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(patch, "short")
			require.ErrorIs(t, err, ErrCorruptPatch)
		})
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	raw := "line one\nback\\slash\\n literal"
	escaped := Escape(raw)
	require.NotContains(t, escaped, "\n")
	require.Equal(t, raw, Unescape(escaped))
}
