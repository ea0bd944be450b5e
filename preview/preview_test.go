package preview

import (
	"bytes"
	"compress/gzip"
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
)

func TestPrettify(t *testing.T) {
	t.Run("Prettify Valid JSON", func(t *testing.T) {
		want := []byte("{\n  \"a\": 1,\n  \"b\": 2\n}")
		got, err := Prettify([]byte(`{"b":2,"a":1}`))
		if err != nil {
			t.Fatalf("prettifying json: %v", err)
		}
		if !bytes.Equal(want, got) {
			t.Fatalf("wanted:\n%q\ngot:    %q", want, got)
		}
	})

	t.Run("Invalid JSON", func(t *testing.T) {
		got, err := Prettify([]byte(`{"b":2,"a":2,}`))
		if err != nil {
			t.Fatalf("prettifying invalid json: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected an empty string got %q", got)
		}
	})

	t.Run("Prettify Valid XML", func(t *testing.T) {
		want := []byte("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<root>\n <item>1</item>\n</root>\n")
		got, err := Prettify([]byte(`<?xml version="1.0" encoding="UTF-8"?><root><item>1</item></root>`))
		if err != nil {
			t.Fatalf("prettying xml: %v", err)
		}
		if !bytes.Equal(want, got) {
			t.Fatalf("wanted:\n%q\ngot:    %q", want, got)
		}
	})

	t.Run("Prettify Valid HTML", func(t *testing.T) {
		want := []byte("<html>\n <body>\n  <p>Hello</p>\n </body>\n</html>\n")
		got, err := Prettify([]byte(`<html><body><p>Hello</p></body></html>`))
		if err != nil {
			t.Fatalf("prettifying HTML: %v", err)
		}
		if !bytes.Equal(want, got) {
			t.Fatalf("wanted:\n%q\ngot:    %q", want, got)
		}
	})

	t.Run("Plaintext should not be prettified", func(t *testing.T) {
		got, err := Prettify([]byte(`hello, e-city`))
		if err != nil {
			t.Fatalf("prettifying plaintext: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected an empty string got %q", got)
		}
	})
}

func TestDecode(t *testing.T) {
	plain := []byte(`{"items":[]}`)

	t.Run("should decode gzip bodies", func(t *testing.T) {
		var buf bytes.Buffer
		writer := gzip.NewWriter(&buf)
		writer.Write(plain)
		writer.Close()

		got, _, err := Decode(buf.Bytes(), "gzip", 0)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if !bytes.Equal(plain, got) {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", plain, got)
		}
	})

	t.Run("should decode brotli bodies", func(t *testing.T) {
		var buf bytes.Buffer
		writer := brotli.NewWriter(&buf)
		writer.Write(plain)
		writer.Close()

		got, _, err := Decode(buf.Bytes(), "br", 0)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if !bytes.Equal(plain, got) {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", plain, got)
		}
	})

	t.Run("should pass identity bodies through", func(t *testing.T) {
		got, _, err := Decode(plain, "", 0)
		if err != nil || !bytes.Equal(plain, got) {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q (%v)", plain, got, err)
		}
	})

	t.Run("should stop decoding past maxBytes", func(t *testing.T) {
		var buf bytes.Buffer
		writer := gzip.NewWriter(&buf)
		writer.Write(bytes.Repeat([]byte("a"), 1<<20))
		writer.Close()

		got, complete, err := Decode(buf.Bytes(), "gzip", 100)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if complete || len(got) != 100 {
			t.Fatalf("\nwanted:\n100 bytes, incomplete\ngot:\n%d bytes, complete=%v", len(got), complete)
		}
	})

	t.Run("should report a body that fits as complete", func(t *testing.T) {
		got, complete, err := Decode(plain, "", len(plain))
		if err != nil || !complete || !bytes.Equal(plain, got) {
			t.Fatalf("\nwanted:\n%q complete\ngot:\n%q complete=%v (%v)", plain, got, complete, err)
		}
	})

	t.Run("should reject unknown encodings", func(t *testing.T) {
		_, _, err := Decode(plain, "zstd", 0)
		if !errors.Is(err, ErrUnsupportedEncoding) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrUnsupportedEncoding, err)
		}
	})
}

func TestRender(t *testing.T) {
	t.Run("should prettify JSON", func(t *testing.T) {
		got := Render([]byte(`{"b":2,"a":1}`), "", 0)
		want := "{\n  \"a\": 1,\n  \"b\": 2\n}"
		if got != want {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, got)
		}
	})

	t.Run("should truncate long text", func(t *testing.T) {
		got := Render([]byte(strings.Repeat("a", 50)), "", 10)
		if !strings.HasPrefix(got, strings.Repeat("a", 10)+"...") {
			t.Fatalf("\nwanted:\ntruncated preview\ngot:\n%q", got)
		}
		if !strings.Contains(got, "40 more bytes") {
			t.Fatalf("\nwanted:\nremaining byte count\ngot:\n%q", got)
		}
	})

	t.Run("should render a large compressed body within bounded memory", func(t *testing.T) {
		var buf bytes.Buffer
		writer, _ := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
		chunk := bytes.Repeat([]byte("a"), 1<<20)
		for i := 0; i < 64; i++ {
			writer.Write(chunk)
		}
		writer.Close()
		compressed := buf.Bytes()

		var before, after runtime.MemStats
		runtime.GC()
		runtime.ReadMemStats(&before)
		got := Render(compressed, "gzip", 4096)
		runtime.ReadMemStats(&after)

		want := strings.Repeat("a", 4096) + "... [truncated]"
		if got != want {
			t.Fatalf("\nwanted:\n%d byte preview\ngot:\n%d bytes: %q", len(want), len(got), truncate(got, 40))
		}
		if allocated := after.TotalAlloc - before.TotalAlloc; allocated > 8<<20 {
			t.Fatalf("\nwanted:\nunder 8 MiB allocated\ngot:\n%d MiB", allocated>>20)
		}
	})

	t.Run("should summarize binary bodies", func(t *testing.T) {
		png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01")
		got := Render(png, "", 0)
		if !strings.HasPrefix(got, "[binary image/png") {
			t.Fatalf("\nwanted:\nbinary summary\ngot:\n%q", got)
		}
	})

	t.Run("should return an empty preview for an empty body", func(t *testing.T) {
		if got := Render(nil, "", 0); got != "" {
			t.Fatalf("\nwanted:\nempty\ngot:\n%q", got)
		}
	})
}

func TestContentType(t *testing.T) {
	t.Run("should normalize the header", func(t *testing.T) {
		got := ContentType("Application/JSON; charset=utf-8", nil)
		if got != "application/json" {
			t.Fatalf("\nwanted:\napplication/json\ngot:\n%s", got)
		}
	})

	t.Run("should detect when the header is missing", func(t *testing.T) {
		got := ContentType("", []byte(`{"a":1}`))
		if got != "application/json" {
			t.Fatalf("\nwanted:\napplication/json\ngot:\n%s", got)
		}
	})
}
