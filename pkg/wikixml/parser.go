// Package wikixml incrementally parses MediaWiki XML export streams.
//
// The parser never holds more than one <page> element in memory: each page
// is decoded into a fresh record and everything else is consumed token by
// token, so peak memory is bounded by the largest single page regardless of
// dump size.
package wikixml

import (
	"encoding/xml"
	"errors"
	"io"
	"log"
	"regexp"
	"strings"
)

// ErrTruncatedInput reports that the byte stream ended in the middle of a
// page. The stream-parse stage flushes a checkpoint and returns it; the next
// run resumes from that checkpoint and reads the partial page again.
var ErrTruncatedInput = errors.New("wikixml: stream truncated mid-page")

// Page is one <page> record from the dump.
type Page struct {
	ID        int64
	Title     string
	Text      string
	Namespace int
	Redirect  bool
}

// xmlPage mirrors the subset of the MediaWiki export schema we extract.
type xmlPage struct {
	Title    string `xml:"title"`
	NS       int    `xml:"ns"`
	ID       int64  `xml:"id"`
	Redirect *struct {
		Title string `xml:"title,attr"`
	} `xml:"redirect"`
	Revision struct {
		Text string `xml:"text"`
	} `xml:"revision"`
}

// Parser emits pages from a MediaWiki XML byte stream in document order.
type Parser struct {
	dec *xml.Decoder
}

// NewParser wraps the decompressed dump stream.
func NewParser(r io.Reader) *Parser {
	return &Parser{dec: xml.NewDecoder(r)}
}

// Next returns the next page, io.EOF at a clean end of stream, or
// ErrTruncatedInput when the stream stops inside a page. A malformed page is
// logged and skipped; it does not terminate the stream.
func (p *Parser) Next() (*Page, error) {
	for {
		tok, err := p.dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			if isTruncation(err) {
				return nil, ErrTruncatedInput
			}
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "page" {
			continue
		}

		var raw xmlPage
		if err := p.dec.DecodeElement(&raw, &start); err != nil {
			if isTruncation(err) {
				return nil, ErrTruncatedInput
			}
			log.Printf("[wikixml] skipping malformed page: %v", err)
			continue
		}
		if raw.ID == 0 || raw.Title == "" {
			log.Printf("[wikixml] skipping page with missing id/title (id=%d title=%q)", raw.ID, raw.Title)
			continue
		}

		return &Page{
			ID:        raw.ID,
			Title:     raw.Title,
			Text:      raw.Revision.Text,
			Namespace: raw.NS,
			Redirect:  raw.Redirect != nil || IsRedirectText(raw.Revision.Text),
		}, nil
	}
}

// InputOffset returns the byte offset in the input stream just past the
// most recently decoded token. After Next returns a page this is the end of
// its </page>, which is what the checkpoint records as a safe resume point.
func (p *Parser) InputOffset() int64 { return p.dec.InputOffset() }

func isTruncation(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var syn *xml.SyntaxError
	if errors.As(err, &syn) {
		return strings.Contains(syn.Msg, "unexpected EOF")
	}
	return false
}

// IsRedirectText reports whether the wikitext body marks a redirect. Some
// dumps omit the <redirect/> element, so the body prefix is checked too.
func IsRedirectText(text string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), "#redirect")
}

var disambigTemplate = regexp.MustCompile(`(?i)\{\{disambig(uation)?\}\}`)

// IsDisambiguation reports whether a page is a disambiguation page, by
// title suffix or by template.
func IsDisambiguation(text, title string) bool {
	if strings.Contains(title, "(disambiguation)") {
		return true
	}
	return disambigTemplate.MatchString(text)
}

// Filter decides which parsed pages enter the pipeline.
type Filter struct {
	SkipRedirects      bool
	SkipDisambiguation bool
	AllowedNamespaces  []int
}

// Include applies the namespace, redirect, and disambiguation rules.
func (f Filter) Include(p *Page) bool {
	if len(f.AllowedNamespaces) > 0 {
		allowed := false
		for _, ns := range f.AllowedNamespaces {
			if p.Namespace == ns {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if f.SkipRedirects && p.Redirect {
		return false
	}
	if f.SkipDisambiguation && IsDisambiguation(p.Text, p.Title) {
		return false
	}
	return true
}
