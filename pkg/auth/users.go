package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/gregtusar/accountdash/pkg/models"
)

var ErrInvalidCredentials = errors.New("invalid email or password")

// Directory is the static table of dashboard users.
type Directory struct {
	users   []models.User
	byEmail map[string]int
}

func NewDirectory(users []models.User) *Directory {
	d := &Directory{
		users:   append([]models.User{}, users...),
		byEmail: make(map[string]int, len(users)),
	}
	for i, u := range d.users {
		d.byEmail[normalizeEmail(u.Email)] = i
	}
	return d
}

// Validate checks a login and returns the matching user.
func (d *Directory) Validate(email, password string) (*models.User, error) {
	u, ok := d.ByEmail(email)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (d *Directory) ByEmail(email string) (*models.User, bool) {
	i, ok := d.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, false
	}
	u := d.users[i]
	return &u, true
}

func (d *Directory) Users() []models.User {
	return append([]models.User{}, d.users...)
}

// Initials returns up to two upper-case initials of name, "U" when empty.
func Initials(name string) string {
	var b strings.Builder
	for _, part := range strings.Split(name, " ") {
		if part == "" {
			continue
		}
		r, _ := utf8.DecodeRuneInString(part)
		b.WriteRune(r)
	}

	initials := []rune(strings.ToUpper(b.String()))
	if len(initials) == 0 {
		return "U"
	}
	if len(initials) > 2 {
		initials = initials[:2]
	}
	return string(initials)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
