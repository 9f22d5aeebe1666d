package validation

import (
	"errors"
	"testing"
)

type signupForm struct {
	Username string `json:"username" validate:"required,max=8"`
	Email    string `json:"email" validate:"required,email"`
	Ignored  string `json:"-" validate:"omitempty"`
}

func TestStructReportsJSONFieldNames(t *testing.T) {
	err := Struct(signupForm{Username: "much-too-long", Email: "nope"})
	fields, ok := AsFieldErrors(err)
	if !ok {
		t.Fatalf("expected FieldErrors, got %v", err)
	}
	if fields["username"] == "" || fields["email"] == "" {
		t.Fatalf("missing field messages: %#v", fields)
	}
	if err := Struct(signupForm{Username: "ada", Email: "ada@example.com"}); err != nil {
		t.Fatalf("valid form rejected: %v", err)
	}
}

func TestVar(t *testing.T) {
	err := Var("content", "", "required")
	fields, ok := AsFieldErrors(err)
	if !ok || fields["content"] != "This field is required." {
		t.Fatalf("unexpected var error: %v", err)
	}
}

func TestFieldErrorsErr(t *testing.T) {
	fe := FieldErrors{}
	if fe.Err() != nil {
		t.Fatal("empty FieldErrors should be nil error")
	}
	fe.Add("title", "first")
	fe.Add("title", "second")
	if fe["title"] != "first" {
		t.Fatalf("Add should keep first message, got %q", fe["title"])
	}
	var target FieldErrors
	if !errors.As(fe.Err(), &target) {
		t.Fatal("Err should unwrap to FieldErrors")
	}
}

func TestSanitizeText(t *testing.T) {
	got := SanitizeText(`  <script>alert(1)</script><b>hello</b> world `)
	if got != "hello world" {
		t.Fatalf("sanitize = %q", got)
	}
	if got := SanitizeText("don't & won't"); got != "don't & won't" {
		t.Fatalf("plain text altered: %q", got)
	}
}
