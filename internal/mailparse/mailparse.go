// Package mailparse implements the Per-Patch Parser (spec.md §4.5),
// re-implemented in-process using emersion/go-message/mail for header
// decoding, per SPEC_FULL.md's "Per-Patch Parser" section.
package mailparse

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/tamanonymous/gitam/internal/amstate"
)

// skipAuthorName is the literal author-name string that marks stray
// folder metadata (e.g. Pine's internal bookkeeping messages) for
// silent skipping, per spec.md §4.5 step 3.
const skipAuthorName = "Mail System Internal Data"

// patchStart matches the first line of the attached unidiff, the same
// boundary git-mailinfo uses to separate a message's prose from its
// patch body.
var patchStart = regexp.MustCompile(`^(diff --git |Index: |---$)`)

// Parser implements amstate.Parser.
type Parser struct{}

// New returns a ready-to-use Parser.
func New() *Parser { return &Parser{} }

// Parse reads the split message at mailPath, decodes its headers,
// separates prose from the attached patch, and (re-)materializes
// info/msg/patch into dir as spec.md §3 describes, alongside returning
// the extracted fields for the state machine to install.
func (p *Parser) Parse(mailPath string, dir *amstate.Dir) (amstate.ParseResult, error) {
	raw, err := os.ReadFile(mailPath)
	if err != nil {
		return amstate.ParseResult{}, fmt.Errorf("reading %q: %w", mailPath, err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return amstate.ParseResult{}, fmt.Errorf("could not parse patch: %w", err)
	}
	defer mr.Close()

	subject, _ := mr.Header.Subject()
	dateRaw := strings.TrimSpace(mr.Header.Get("Date"))

	authorName, authorEmail := firstFromAddress(mr.Header)

	body, err := readBody(mr)
	if err != nil {
		return amstate.ParseResult{}, fmt.Errorf("could not parse patch: %w", err)
	}

	info := buildInfo(subject, authorName, authorEmail, dateRaw)
	if err := dir.WriteAtomic("info", info); err != nil {
		return amstate.ParseResult{}, err
	}

	if authorName == skipAuthorName {
		return amstate.ParseResult{Skip: true}, nil
	}

	msgBody, patch := splitMessageAndPatch(body)

	if err := dir.WriteAtomic("msg", msgBody); err != nil {
		return amstate.ParseResult{}, err
	}
	if err := dir.WriteAtomic("patch", patch); err != nil {
		return amstate.ParseResult{}, err
	}

	msg := composeMessage(subject, msgBody)

	return amstate.ParseResult{
		AuthorName:  authorName,
		AuthorEmail: authorEmail,
		AuthorDate:  dateRaw,
		Msg:         msg,
	}, nil
}

// firstFromAddress extracts the display name and address of the first
// From header entry, matching spec.md §4.5 step 2's "Author accepts only
// the first value" / "Email accepts only the first value" rules.
func firstFromAddress(h mail.Header) (name, email string) {
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return "", ""
	}
	return addrs[0].Name, addrs[0].Address
}

// readBody reads the first inline part whose content type is text/plain
// or unset. It returns a nil body when the message has no such part; the
// raw message is not used as a fallback.
func readBody(mr *mail.Reader) ([]byte, error) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if h, ok := part.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			if contentType == "" || strings.HasPrefix(contentType, "text/plain") {
				return io.ReadAll(part.Body)
			}
		}
	}
	return nil, nil
}

// buildInfo renders the header-summary file (spec.md §3 "info"): lines
// of the form "Key: value" for Subject, Author, Email, Date.
func buildInfo(subject, authorName, authorEmail, date string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Subject: %s\n", subject)
	fmt.Fprintf(&buf, "Author: %s\n", authorName)
	fmt.Fprintf(&buf, "Email: %s\n", authorEmail)
	fmt.Fprintf(&buf, "Date: %s\n", date)
	return buf.Bytes()
}

// splitMessageAndPatch separates the trimmed commit message body from
// the attached unidiff, splitting at the first line that looks like the
// start of a patch (a "diff --git" header, an "Index:" line, or a bare
// "---" separator).
func splitMessageAndPatch(body []byte) (msg, patch []byte) {
	lines := strings.Split(string(body), "\n")
	for i, line := range lines {
		if patchStart.MatchString(line) {
			return []byte(strings.Join(lines[:i], "\n")), []byte(strings.Join(lines[i:], "\n"))
		}
	}
	return body, nil
}

// composeMessage builds the final commit message: Subject, a blank line,
// then the trimmed body, whitespace-normalized per spec.md §4.5 step 5.
func composeMessage(subject string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(subject)
	buf.WriteString("\n\n")
	buf.Write(body)
	return normalizeWhitespace(buf.Bytes())
}

// normalizeWhitespace trims trailing blank lines and collapses runs of
// internal blank lines to a single blank line.
func normalizeWhitespace(msg []byte) []byte {
	lines := strings.Split(string(msg), "\n")

	// Trim trailing blank lines.
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	lines = lines[:end]

	var out []string
	blankRun := false
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			if blankRun {
				continue
			}
			blankRun = true
			out = append(out, "")
			continue
		}
		blankRun = false
		out = append(out, l)
	}

	return []byte(strings.Join(out, "\n"))
}
