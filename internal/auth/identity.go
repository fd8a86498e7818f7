package auth

import (
	"fmt"

	"github.com/google/uuid"
)

// Identity is who a connection is acting as, fixed once at
// connection-authentication time. A guest carries only an ephemeral id.
type Identity struct {
	AccountID *int64
	GuestID   string
	Nickname  string
}

// NewAccountIdentity builds an authenticated identity
func NewAccountIdentity(accountID int64, nickname string) Identity {
	id := accountID
	return Identity{
		AccountID: &id,
		Nickname:  nickname,
	}
}

// NewGuestIdentity builds a guest identity with a fresh ephemeral id
func NewGuestIdentity(nickname string) Identity {
	guestID := uuid.NewString()
	if nickname == "" {
		nickname = "Guest-" + guestID[:8]
	}
	return Identity{
		GuestID:  guestID,
		Nickname: nickname,
	}
}

// IsGuest reports whether the identity has no account behind it
func (i Identity) IsGuest() bool {
	return i.AccountID == nil
}

// Key is the stable string used to track the identity in volatile stores.
func (i Identity) Key() string {
	if i.AccountID != nil {
		return fmt.Sprintf("u:%d", *i.AccountID)
	}
	return "g:" + i.GuestID
}
