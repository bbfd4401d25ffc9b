// Package nip13 mines and checks proof-of-work event ids: leading
// zero bits of the id, committed to with a "nonce" tag.
package nip13

import (
	"encoding/hex"
	"errors"
	"math/bits"
	"strconv"
	"time"

	"github.com/poolstr/poolstr/pkg/event"
	"github.com/poolstr/poolstr/pkg/keys"
	"github.com/poolstr/poolstr/pkg/tags"
	"github.com/poolstr/poolstr/pkg/timestamp"
)

var (
	ErrDifficultyTooLow = errors.New("nip13: insufficient difficulty")
	ErrGenerateTimeout  = errors.New("nip13: generating proof of work took too long")
)

// Difficulty counts the leading zero bits in an event id, or -1 for a
// malformed id.
func Difficulty(eventID string) int {
	if len(eventID) != 64 {
		return -1
	}
	var zeros int
	for i := 0; i < 64; i += 2 {
		if eventID[i:i+2] == "00" {
			zeros += 8
			continue
		}
		var b [1]byte
		if _, err := hex.Decode(b[:], []byte{eventID[i], eventID[i+1]}); err != nil {
			return -1
		}
		zeros += bits.LeadingZeros8(b[0])
		break
	}
	return zeros
}

// Check reports whether the event id demonstrates at least
// minDifficulty leading zero bits. It counts bits only; signature and
// id verification stay the caller's job.
func Check(eventID string, minDifficulty int) error {
	if Difficulty(eventID) < minDifficulty {
		return ErrDifficultyTooLow
	}
	return nil
}

// Generate mines ev until its id has targetDifficulty leading zero
// bits, returning ErrGenerateTimeout if the timeout elapses first. The
// signer's pubkey is stamped onto ev before mining: it is part of the
// id preimage, so signing with the same signer afterwards keeps the
// mined id intact. On success ev carries a "nonce" tag with the
// difficulty commitment and a refreshed created_at; it still needs
// signing.
func Generate(ev *event.T, signer *keys.T, targetDifficulty int,
	timeout time.Duration) (*event.T, error) {

	ev.PubKey = signer.PublicKey()
	tag := tags.Tag{"nonce", "", strconv.Itoa(targetDifficulty)}
	ev.Tags = append(ev.Tags, tag)
	var nonce uint64
	start := time.Now()
	for {
		nonce++
		tag[1] = strconv.FormatUint(nonce, 10)
		ev.CreatedAt = timestamp.Now()
		if Difficulty(ev.GetID()) >= targetDifficulty {
			ev.ID = ev.GetID()
			return ev, nil
		}
		if nonce%1000 == 0 && time.Since(start) > timeout {
			return nil, ErrGenerateTimeout
		}
	}
}
