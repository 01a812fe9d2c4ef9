package app

import (
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"librarycatalog/pkg/domain"
)

// pdfPageCount reads the page tree of a PDF payload when the body supports
// random access. It never moves the read offset, so the payload can still be
// uploaded afterwards. Malformed documents yield ok=false.
func pdfPageCount(p domain.Payload) (n int, ok bool) {
	ra, isReaderAt := p.Body.(io.ReaderAt)
	if !isReaderAt || p.Size <= 0 {
		return 0, false
	}
	defer func() {
		// the pdf package panics on some malformed xref tables
		if recover() != nil {
			n, ok = 0, false
		}
	}()
	r, err := pdf.NewReader(ra, p.Size)
	if err != nil {
		return 0, false
	}
	n = r.NumPage()
	return n, n > 0
}

// plainText drops markup from descriptions pasted from publisher pages and
// collapses whitespace.
func plainText(raw string) string {
	if !strings.ContainsAny(raw, "<&") {
		return strings.Join(strings.Fields(raw), " ")
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(raw))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "p", "div", "li":
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if s := string(name); (s == "script" || s == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}
