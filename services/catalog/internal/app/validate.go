package app

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"librarycatalog/pkg/domain"
)

// PayloadRules is an allow-list of media types plus a size ceiling.
// Allowed maps a media type to a short label; for book files the label is the MimeKind.
type PayloadRules struct {
	Name     string
	Allowed  map[string]string
	MaxBytes int64
}

var (
	BookFileRules = PayloadRules{
		Name: "book file",
		Allowed: map[string]string{
			"application/pdf":      string(domain.KindPDF),
			"application/epub+zip": string(domain.KindEPUB),
		},
		MaxBytes: 50 << 20,
	}
	CoverRules = PayloadRules{
		Name: "cover",
		Allowed: map[string]string{
			"image/jpeg": "jpeg",
			"image/png":  "png",
			"image/webp": "webp",
		},
		MaxBytes: 5 << 20,
	}
)

// WithMaxBytes returns a copy of the rules with a different ceiling. Non-positive values keep the current one.
func (r PayloadRules) WithMaxBytes(n int64) PayloadRules {
	if n > 0 {
		r.MaxBytes = n
	}
	return r
}

func (r PayloadRules) accepted() string {
	types := make([]string, 0, len(r.Allowed))
	for t := range r.Allowed {
		types = append(types, t)
	}
	sort.Strings(types)
	return strings.Join(types, ", ")
}

// ValidatePayload checks emptiness, media type and size. It returns the
// matched label and never touches the payload body.
func ValidatePayload(p domain.Payload, rules PayloadRules) (string, error) {
	if p.Body == nil || p.Size <= 0 {
		return "", fmt.Errorf("%w: %s is empty", domain.ErrInvalidInput, rules.Name)
	}
	mediaType := p.MediaType()
	label, ok := rules.Allowed[mediaType]
	if !ok {
		return "", fmt.Errorf("%w: %s type %q is not allowed (accepted: %s)", domain.ErrInvalidInput, rules.Name, mediaType, rules.accepted())
	}
	if rules.MaxBytes > 0 && p.Size > rules.MaxBytes {
		return "", fmt.Errorf("%w: %s is %s, limit is %s", domain.ErrInvalidInput, rules.Name,
			humanize.IBytes(uint64(p.Size)), humanize.IBytes(uint64(rules.MaxBytes)))
	}
	return label, nil
}

// validateFields checks the scalar metadata of a record.
func validateFields(b domain.Book, now time.Time) error {
	err := validation.ValidateStruct(&b,
		validation.Field(&b.Title, validation.Required, validation.RuneLength(1, 255)),
		validation.Field(&b.Description, validation.RuneLength(0, 2000)),
		validation.Field(&b.Publisher, validation.RuneLength(0, 255)),
		validation.Field(&b.Language, validation.RuneLength(0, 35)),
		validation.Field(&b.PageCount, validation.Min(0)),
		validation.Field(&b.AuthorID, validation.Required.Error("author is required")),
		validation.Field(&b.ISBN, validation.By(isbnRule)),
		validation.Field(&b.PublishedOn, validation.By(notAfter(now))),
	)
	return asInvalidInput(err)
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

func validateAuthor(d AuthorDraft) error {
	err := validation.ValidateStruct(&d,
		validation.Field(&d.Username, validation.Required, validation.Length(3, 50), validation.Match(usernamePattern)),
		validation.Field(&d.Name, validation.Required, validation.RuneLength(1, 120)),
		validation.Field(&d.Email, validation.Required, is.EmailFormat),
	)
	return asInvalidInput(err)
}

func asInvalidInput(err error) error {
	if err == nil {
		return nil
	}
	var internal validation.InternalError
	if errors.As(err, &internal) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
}

// ValidateRecord runs field validation plus the referential checks: the author
// must exist and a non-null ISBN must not be taken by another record. The
// ISBN check is a fast path; the store's unique constraint stays authoritative.
func (a *App) ValidateRecord(ctx context.Context, b domain.Book) error {
	if strings.TrimSpace(b.AuthorID) == "" {
		return fmt.Errorf("%w: authorId is required", domain.ErrInvalidInput)
	}
	if err := validateFields(b, a.now()); err != nil {
		return err
	}
	exists, err := a.authors.UserExists(ctx, b.AuthorID)
	if err != nil {
		return fmt.Errorf("check author: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: author %s does not exist", domain.ErrInvalidInput, b.AuthorID)
	}
	if b.ISBN != nil {
		return a.checkISBNAvailable(ctx, *b.ISBN, b.ID)
	}
	return nil
}

// checkISBNAvailable reports a taken ISBN as both invalid input and conflict.
func (a *App) checkISBNAvailable(ctx context.Context, isbn, excludeID string) error {
	taken, err := a.store.HasISBN(ctx, isbn, excludeID)
	if err != nil {
		return fmt.Errorf("check isbn: %w", err)
	}
	if taken {
		return fmt.Errorf("%w: %w: isbn %s is already registered", domain.ErrInvalidInput, domain.ErrConflict, isbn)
	}
	return nil
}

// normalizeISBN strips separators and upper-cases the check character.
// Blank input means no ISBN.
// normalizeISBN drops an "ISBN", "ISBN-10:" or "ISBN-13:" label and the
// hyphen/space grouping, leaving the bare digits for the checksum.
func normalizeISBN(raw string) *string {
	cleaned := strings.NewReplacer("-", "", " ", "").Replace(trimISBNLabel(strings.TrimSpace(raw)))
	if cleaned == "" {
		return nil
	}
	cleaned = strings.ToUpper(cleaned)
	return &cleaned
}

func trimISBNLabel(s string) string {
	if len(s) < 4 || !strings.EqualFold(s[:4], "isbn") {
		return s
	}
	rest := s[4:]
	if strings.HasPrefix(rest, "-10") || strings.HasPrefix(rest, "-13") {
		rest = rest[3:]
	}
	rest = strings.TrimPrefix(rest, ":")
	return strings.TrimSpace(rest)
}

func isbnRule(value interface{}) error {
	s, _ := value.(*string)
	if s == nil {
		return nil
	}
	if !validISBN(*s) {
		return errors.New("must be a valid ISBN-10 or ISBN-13")
	}
	return nil
}

func validISBN(s string) bool {
	switch len(s) {
	case 10:
		sum := 0
		for i := 0; i < 10; i++ {
			c := s[i]
			var d int
			switch {
			case c >= '0' && c <= '9':
				d = int(c - '0')
			case c == 'X' && i == 9:
				d = 10
			default:
				return false
			}
			sum += d * (10 - i)
		}
		return sum%11 == 0
	case 13:
		sum := 0
		for i := 0; i < 13; i++ {
			c := s[i]
			if c < '0' || c > '9' {
				return false
			}
			d := int(c - '0')
			if i%2 == 1 {
				d *= 3
			}
			sum += d
		}
		return sum%10 == 0
	default:
		return false
	}
}

func notAfter(now time.Time) validation.RuleFunc {
	return func(value interface{}) error {
		t, _ := value.(*time.Time)
		if t == nil {
			return nil
		}
		if t.After(now) {
			return errors.New("must not be in the future")
		}
		return nil
	}
}
