package userdata

import (
	"errors"
	"log"
	"time"
)

const logDate string = `2006-01-02T15:04:05.000-07:00`

var (
	// ErrInvalidGCID rejects a handoff naming a gcid with no pending session.
	ErrInvalidGCID = errors.New("invalid gcid")

	// ErrAnonymous rejects player method calls before login completes.
	ErrAnonymous = errors.New("invalid attribute for anonymous user")

	// ErrBadArguments rejects malformed handshake calls.
	ErrBadArguments = errors.New("invalid arguments")

	// ErrLoginRejected means the data service refused the game's credentials.
	ErrLoginRejected = errors.New("game login failed")

	// ErrDataLost means the game-data connection died; the broker stops.
	ErrDataLost = errors.New("game data connection lost")

	// ErrAlreadyRunning means a second broker was created in this process.
	ErrAlreadyRunning = errors.New("userdata broker already instantiated")
)

func (u *Userdata) logf(format string, args ...any) {
	if !u.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}
