package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "invalid", err: fmt.Errorf("%w: title is required", ErrInvalidInput), want: KindInvalidInput},
		{name: "not found", err: fmt.Errorf("get book: %w", ErrNotFound), want: KindNotFound},
		{name: "conflict", err: fmt.Errorf("%w: isbn taken", ErrConflict), want: KindConflict},
		{name: "duplicate isbn pre-check", err: fmt.Errorf("%w: %w: isbn taken", ErrInvalidInput, ErrConflict), want: KindConflict},
		{name: "storage", err: fmt.Errorf("put object: %w", ErrStorage), want: KindStorage},
		{name: "inconsistent", err: fmt.Errorf("%w: object missing: %w", ErrInconsistent, ErrNotFound), want: KindInconsistent},
		{name: "other", err: errors.New("boom"), want: KindFault},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPayloadMediaType(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "application/pdf", want: "application/pdf"},
		{raw: "Application/PDF; charset=binary", want: "application/pdf"},
		{raw: "  image/png ", want: "image/png"},
		{raw: "", want: ""},
	}
	for _, tc := range tests {
		p := Payload{ContentType: tc.raw}
		if got := p.MediaType(); got != tc.want {
			t.Fatalf("MediaType(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestPayloadExtension(t *testing.T) {
	p := Payload{Filename: "dir/Sample.PDF"}
	if got := p.Extension(); got != ".pdf" {
		t.Fatalf("Extension() = %q, want .pdf", got)
	}
	if got := (Payload{Filename: "noext"}).Extension(); got != "" {
		t.Fatalf("Extension() = %q, want empty", got)
	}
}
