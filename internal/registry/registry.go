// Package registry maps short human room codes to ledger session ids. It
// holds no gameplay state; it exists so a participant who only knows a code
// can discover the ledger identifier needed to join.
package registry

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/quizchain/quizchain/internal/domain"
	"github.com/quizchain/quizchain/internal/errors"
)

// Room codes avoid 0/O/1/I to survive being read aloud.
const (
	codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength  = 6
)

const defaultTTL = 24 * time.Hour

// Store is the minimal metadata store behind the registry. Entries expire by
// TTL; expiry policy is owned by the store, not by gameplay.
type Store interface {
	// Put records code -> sessionID unless the code is already bound to a
	// different session, in which case it reports taken=true.
	Put(ctx context.Context, code, sessionID string, ttl time.Duration) (taken bool, err error)
	// Get returns the session id bound to code, ok=false when unbound or expired.
	Get(ctx context.Context, code string) (sessionID string, ok bool, err error)
}

type Config struct {
	Store Store
	TTL   time.Duration
}

type Service struct {
	store Store
	ttl   time.Duration
}

func NewService(c Config) *Service {
	ttl := c.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}

	return &Service{
		store: c.Store,
		ttl:   ttl,
	}
}

// Register binds the session's room code to its ledger-issued id. Idempotent
// keyed by the ledger id: re-registering the same session is a no-op, while a
// code collision with a different session fails with AlreadyExists.
func (s *Service) Register(ctx context.Context, session domain.Session) (string, error) {
	taken, err := s.store.Put(ctx, session.RoomCode, session.ID, s.ttl)
	if err != nil {
		return "", err
	}
	if !taken {
		return session.ID, nil
	}

	existing, ok, err := s.store.Get(ctx, session.RoomCode)
	if err != nil {
		return "", err
	}
	if ok && existing == session.ID {
		return session.ID, nil
	}

	return "", errors.New(errors.CodeAlreadyExists,
		errors.WithMessagef("room code taken: %s", session.RoomCode))
}

// Lookup resolves a room code to a session id.
func (s *Service) Lookup(ctx context.Context, roomCode string) (string, error) {
	sessionID, ok, err := s.store.Get(ctx, roomCode)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New(errors.CodeNotFound,
			errors.WithMessagef("game not found: %s", roomCode))
	}

	return sessionID, nil
}

// NewRoomCode generates a random room code. Uniqueness is enforced at
// Register time, not here.
func NewRoomCode() string {
	code := make([]byte, codeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			// crypto/rand only fails when the platform source is broken;
			// a fixed character keeps the code well-formed.
			code[i] = codeCharset[0]
			continue
		}
		code[i] = codeCharset[n.Int64()]
	}

	return string(code)
}
