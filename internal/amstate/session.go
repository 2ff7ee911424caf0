package amstate

import "fmt"

// Session is the in-memory state for a patch-application run. Ownership
// of its string/byte fields belongs entirely to the Session; Next clears
// the per-patch fields.
type Session struct {
	dir *Dir

	cur  int
	last int

	authorName  string
	authorEmail string
	authorDate  string
	haveAuthor  bool

	msg []byte

	// prec is the zero-pad width used for split message filenames.
	prec int
}

const defaultPrecision = 4

// Cur returns the 1-indexed patch number the session is currently on.
func (s *Session) Cur() int { return s.cur }

// Last returns the 1-indexed index of the final patch.
func (s *Session) Last() int { return s.last }

// Msgnum formats the session's current patch number, zero-padded to the
// configured precision. It returns a fresh string on every call — unlike
// the original implementation's reused static buffer (see SPEC_FULL.md
// Design Notes), there is no aliasing hazard here.
func (s *Session) Msgnum() string {
	return formatMsgnum(s.cur, s.prec)
}

func formatMsgnum(n, prec int) string {
	return fmt.Sprintf("%0*d", prec, n)
}

// Author returns the author identity parsed for the current patch, and
// whether a parse has populated it yet.
func (s *Session) Author() (name, email, date string, ok bool) {
	return s.authorName, s.authorEmail, s.authorDate, s.haveAuthor
}

// Msg returns the composed commit message for the current patch.
func (s *Session) Msg() []byte {
	return s.msg
}

// SetParsed installs the author identity and commit message extracted by
// the Per-Patch Parser for the current patch. It is a programmer error to
// call this when author fields are already set — mirrors the assertions
// in am.c's parse_mail.
func (s *Session) SetParsed(name, email, date string, msg []byte) {
	if s.haveAuthor {
		panic("BUG: parsed fields already set for current patch")
	}
	s.authorName = name
	s.authorEmail = email
	s.authorDate = date
	s.haveAuthor = true
	s.msg = msg
}

// clearParsed frees the per-patch fields, as am_next does.
func (s *Session) clearParsed() {
	s.authorName = ""
	s.authorEmail = ""
	s.authorDate = ""
	s.haveAuthor = false
	s.msg = nil
}
