package server

import (
	"context"
	"database/sql"

	"github.com/kagehttp/reactorweb/internal/dbpool"
)

// authStore implements httpmsg.AuthStore against a users(username,
// password) table, leasing a handle from internal/dbpool for the
// lifetime of one query via a scoped Lease rather than holding a
// connection open across requests.
type authStore struct {
	pool *dbpool.Pool
}

func newAuthStore(pool *dbpool.Pool) *authStore {
	return &authStore{pool: pool}
}

// CheckLogin reports whether (user, pass) matches a row in users.
func (a *authStore) CheckLogin(user, pass string) (bool, error) {
	lease, err := a.pool.Acquire(context.Background())
	if err != nil {
		return false, err
	}
	defer lease.Close()

	var stored string
	err = lease.DB().QueryRow(`SELECT password FROM users WHERE username = ?`, user).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored == pass, nil
}

// Register inserts a new (user, pass) row, reporting false (not an error)
// if the username is already taken.
func (a *authStore) Register(user, pass string) (bool, error) {
	lease, err := a.pool.Acquire(context.Background())
	if err != nil {
		return false, err
	}
	defer lease.Close()

	var exists int
	err = lease.DB().QueryRow(`SELECT COUNT(*) FROM users WHERE username = ?`, user).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists > 0 {
		return false, nil
	}

	_, err = lease.DB().Exec(`INSERT INTO users (username, password) VALUES (?, ?)`, user, pass)
	if err != nil {
		return false, err
	}
	return true, nil
}
