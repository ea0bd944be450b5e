// Package preview turns forwarded request and response bodies into short, readable
// strings for the gateway's traffic records. Bodies are decoded according to their
// Content-Encoding, prettified when they are JSON, XML or HTML, and truncated.
package preview

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/beevik/etree"
	"github.com/gabriel-vasile/mimetype"
	"github.com/yosssi/gohtml"
)

// DefaultLimit is the preview size used when none is configured.
const DefaultLimit = 4096

// ErrUnsupportedEncoding is returned by Decode for content encodings it cannot undo.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// Prettify will attempt to prettify the body or return an empty byte slice if it fails.
// JSON, XML and HTML can be prettified; anything else yields an empty slice.
func Prettify(bodyBytes []byte) ([]byte, error) {
	if len(bodyBytes) == 0 {
		return []byte{}, nil
	}

	trimmedBody := bytes.TrimSpace(bodyBytes)

	var jsonData any
	if err := json.Unmarshal(trimmedBody, &jsonData); err == nil {
		output, err := json.MarshalIndent(jsonData, "", "  ")
		if err != nil {
			return []byte{}, fmt.Errorf("remarshalling JSON: %w", err)
		}
		return output, nil
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(trimmedBody); err == nil && doc.Root() != nil {
		doc.Indent(1)
		var output bytes.Buffer
		if _, err := doc.WriteTo(&output); err != nil {
			return []byte{}, fmt.Errorf("writing indented XML : %w", err)
		}
		return output.Bytes(), nil
	}

	contentType := mimetype.Detect(trimmedBody).String()
	if strings.Contains(contentType, "text/html") ||
		(bytes.HasPrefix(trimmedBody, []byte("<")) && !bytes.HasPrefix(trimmedBody, []byte("<?xml"))) {
		output := gohtml.FormatBytes(trimmedBody)
		if !bytes.Equal(output, trimmedBody) && len(output) > 0 {
			return output, nil
		}
	}

	return []byte{}, nil
}

// Decode undoes a Content-Encoding of gzip, deflate or br. An empty or "identity"
// encoding returns the body unchanged. At most maxBytes decoded bytes are produced;
// complete reports whether the whole body fit. A maxBytes of zero or less means no cap.
func Decode(body []byte, contentEncoding string, maxBytes int) (decoded []byte, complete bool, err error) {
	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		if maxBytes > 0 && len(body) > maxBytes {
			return body[:maxBytes], false, nil
		}
		return body, true, nil
	case "gzip", "x-gzip":
		gzipReader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, false, fmt.Errorf("opening gzip body : %w", err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	case "deflate":
		flateReader := flate.NewReader(bytes.NewReader(body))
		defer flateReader.Close()
		reader = flateReader
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	default:
		return nil, false, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, contentEncoding)
	}

	if maxBytes > 0 {
		reader = io.LimitReader(reader, int64(maxBytes)+1)
	}
	decoded, err = io.ReadAll(reader)
	if err != nil {
		return nil, false, fmt.Errorf("decoding %s body : %w", contentEncoding, err)
	}
	if maxBytes > 0 && len(decoded) > maxBytes {
		return decoded[:maxBytes], false, nil
	}
	return decoded, true, nil
}

// ContentType returns the media type of header, or detects one from the body when the
// header is empty or unparsable.
func ContentType(header string, body []byte) string {
	if header != "" {
		if mediaType, _, err := mime.ParseMediaType(header); err == nil {
			return strings.ToLower(mediaType)
		}
	}
	if len(body) == 0 {
		return ""
	}
	mediaType, _, _ := mime.ParseMediaType(mimetype.Detect(body).String())
	return mediaType
}

// prettifyFactor bounds how much of a body Render decodes: limit times this factor.
// Bodies that decode past it are shown raw, without prettifying.
const prettifyFactor = 8

// Render builds the preview for a body. Textual bodies are prettified when possible and
// cut to limit bytes; binary bodies are summarized by their detected type and size.
// Decoding stops shortly after limit, so memory stays bounded whatever the body expands to.
func Render(body []byte, contentEncoding string, limit int) string {
	if len(body) == 0 {
		return ""
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	decoded, complete, err := Decode(body, contentEncoding, limit*prettifyFactor)
	if err != nil {
		return fmt.Sprintf("[undecodable %s body, %d bytes]", contentEncoding, len(body))
	}

	if !complete {
		decoded = trimPartialRune(decoded)
	}
	if !isText(decoded) {
		if !complete {
			return fmt.Sprintf("[binary %s, more than %d bytes]", mimetype.Detect(decoded).String(), len(decoded))
		}
		return fmt.Sprintf("[binary %s, %d bytes]", mimetype.Detect(decoded).String(), len(decoded))
	}

	if !complete {
		return cutAt(string(decoded), limit) + "... [truncated]"
	}

	output := decoded
	if prettified, err := Prettify(decoded); err == nil && len(prettified) > 0 {
		output = prettified
	}
	return truncate(string(output), limit)
}

func isText(body []byte) bool {
	detected := mimetype.Detect(body)
	for mtype := detected; mtype != nil; mtype = mtype.Parent() {
		if mtype.Is("text/plain") {
			return true
		}
	}
	return utf8.Valid(body) && !bytes.ContainsRune(body, 0)
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := cutAt(text, limit)
	return cut + fmt.Sprintf("... [%d more bytes]", len(text)-len(cut))
}

// cutAt shortens text to at most limit bytes without splitting a rune.
func cutAt(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// trimPartialRune drops a rune cut off at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i]
			}
			break
		}
	}
	return b
}
