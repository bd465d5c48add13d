package auth

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Directory for unknown subjects.
var ErrNotFound = errors.New("user not found")

type User struct {
	ID     string
	Name   string
	Active bool
}

// Directory resolves token subjects to users. The credential store behind it
// lives outside the gateway.
type Directory interface {
	Lookup(ctx context.Context, id string) (User, error)
}

// StaticDirectory is an in-memory Directory, read-only after construction.
type StaticDirectory struct {
	byID map[string]User
}

func NewStaticDirectory(users []User) *StaticDirectory {
	d := &StaticDirectory{byID: make(map[string]User, len(users))}
	for _, u := range users {
		if u.ID != "" {
			d.byID[u.ID] = u
		}
	}
	return d
}

func (d *StaticDirectory) Lookup(_ context.Context, id string) (User, error) {
	u, ok := d.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}
