package authscript_test

import (
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/tamanonymous/gitam/internal/authscript"
)

// noNewlines drops literal newlines from a generated string: spec.md P3
// only requires round-tripping of arbitrary shell-special bytes, not
// newlines, since the format is line-oriented.
func noNewlines(t *rapid.T, label string) string {
	return strings.ReplaceAll(rapid.String().Draw(t, label), "\n", "")
}

// Feature: gitam, Property 3: author round-trip.
func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := noNewlines(t, "name")
		email := noNewlines(t, "email")
		date := noNewlines(t, "date")

		encoded := authscript.Encode(name, email, date)

		gotName, gotEmail, gotDate, err := authscript.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if gotName != name {
			t.Errorf("name mismatch: got %q, want %q", gotName, name)
		}
		if gotEmail != email {
			t.Errorf("email mismatch: got %q, want %q", gotEmail, email)
		}
		if gotDate != date {
			t.Errorf("date mismatch: got %q, want %q", gotDate, date)
		}
	})
}

func TestEncodeExactFormat(t *testing.T) {
	got := authscript.Encode("Ada Lovelace", "ada@example.com", "2020-01-01 00:00:00 +0000")
	want := "GIT_AUTHOR_NAME='Ada Lovelace'\n" +
		"GIT_AUTHOR_EMAIL='ada@example.com'\n" +
		"GIT_AUTHOR_DATE='2020-01-01 00:00:00 +0000'\n"
	if string(got) != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestEncodeEscapesEmbeddedQuote(t *testing.T) {
	got := authscript.Encode(`O'Brien`, "x@y", "d")
	want := "GIT_AUTHOR_NAME='O'\\''Brien'\nGIT_AUTHOR_EMAIL='x@y'\nGIT_AUTHOR_DATE='d'\n"
	if string(got) != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	data := []byte("GIT_AUTHOR_NAME='a'\nGIT_AUTHOR_EMAIL='b'\nGIT_AUTHOR_DATE='c'\nextra")
	if _, _, _, err := authscript.Decode(data); err == nil {
		t.Fatal("expected error for trailing bytes, got nil")
	}
}

func TestDecodeRejectsWrongOrder(t *testing.T) {
	data := []byte("GIT_AUTHOR_EMAIL='b'\nGIT_AUTHOR_NAME='a'\nGIT_AUTHOR_DATE='c'\n")
	if _, _, _, err := authscript.Decode(data); err == nil {
		t.Fatal("expected error for wrong key order, got nil")
	}
}

func TestDecodeRejectsUnquoted(t *testing.T) {
	data := []byte("GIT_AUTHOR_NAME=a\nGIT_AUTHOR_EMAIL='b'\nGIT_AUTHOR_DATE='c'\n")
	if _, _, _, err := authscript.Decode(data); err == nil {
		t.Fatal("expected error for unquoted value, got nil")
	}
}
