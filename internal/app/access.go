package app

import (
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"roomchat/pkg/domain"
)

const accessCodeLength = 4

// decideJoin evaluates the room access state machine for a (user, room)
// pair: public rooms and recorded members pass straight through, anyone
// else must present the access code.
func decideJoin(user domain.User, room domain.Room) domain.JoinState {
	if !room.Private {
		return domain.StateJoined
	}
	if room.IsMember(user.ID) {
		return domain.StateJoined
	}
	return domain.StateCodeRequired
}

// validAccessCode reports whether the code has the mandatory fixed
// length, counted in characters rather than bytes. No other shape is
// imposed on the characters.
func validAccessCode(code string) bool {
	return utf8.RuneCountInString(code) == accessCodeLength
}

// hashAccessCode stores codes the same way one-time codes are: bcrypt,
// never in clear.
func hashAccessCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// matchAccessCode compares a submitted code against the stored hash.
func matchAccessCode(code, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
