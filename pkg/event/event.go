// Package event implements the content-addressed event model: the
// canonical serialization, id derivation, signing and verification
// that everything else (deduplication included) depends on.
package event

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/minio/sha256-simd"

	"github.com/poolstr/poolstr/pkg/escape"
	"github.com/poolstr/poolstr/pkg/keys"
	"github.com/poolstr/poolstr/pkg/kind"
	"github.com/poolstr/poolstr/pkg/tags"
	"github.com/poolstr/poolstr/pkg/timestamp"
)

var (
	// ErrIDMismatch means the stored id is not the hash of the event's
	// own fields. Checked before the signature: recomputation is cheap
	// and authoritative.
	ErrIDMismatch = errors.New("event id does not match canonical hash")

	// ErrInvalidSignature means the schnorr signature does not verify
	// over the recomputed id under the event's pubkey.
	ErrInvalidSignature = errors.New("invalid event signature")
)

// T is one signed event. Immutable once signed; editing any field
// requires re-deriving the id and re-signing. An event with an empty
// Sig is the unsigned form produced by New.
type T struct {
	ID        string      `json:"id"`
	PubKey    string      `json:"pubkey"`
	CreatedAt timestamp.T `json:"created_at"`
	Kind      kind.T      `json:"kind"`
	Tags      tags.T      `json:"tags"`
	Content   string      `json:"content"`
	Sig       string      `json:"sig"`
}

// New builds an unsigned event of the given kind, stamped with the
// current time. The id and signature are filled by SignWith.
func New(k kind.T, content string, t ...tags.Tag) *T {
	tg := make(tags.T, 0, len(t))
	tg = append(tg, t...)
	return &T{
		CreatedAt: timestamp.Now(),
		Kind:      k,
		Tags:      tg,
		Content:   content,
	}
}

// Serialize returns the canonical form hashed into the id:
// [0,"<pubkey>",<created_at>,<kind>,<tags>,<content>] with the minimal
// escaping rule, no whitespace, fixed field order.
func (ev *T) Serialize() []byte {
	dst := make([]byte, 0, 128+len(ev.Content))
	dst = append(dst, "[0,"...)
	dst = escape.String(dst, ev.PubKey)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, ev.CreatedAt.I64(), 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, int64(ev.Kind), 10)
	dst = append(dst, ',')
	dst = ev.Tags.MarshalTo(dst)
	dst = append(dst, ',')
	dst = escape.String(dst, ev.Content)
	return append(dst, ']')
}

// GetIDBytes returns the raw SHA-256 of the canonical serialization.
func (ev *T) GetIDBytes() []byte {
	h := sha256.Sum256(ev.Serialize())
	return h[:]
}

// GetID returns the event id as 64 hex characters. It is a pure
// function of (pubkey, created_at, kind, tags, content).
func (ev *T) GetID() string {
	return hex.EncodeToString(ev.GetIDBytes())
}

// SignWith computes the id and signs it with the given identity,
// filling PubKey, ID and Sig. Fails with keys.ErrMissingSecretKey for
// a verify-only identity.
func (ev *T) SignWith(signer *keys.T) error {
	if !signer.CanSign() {
		return keys.ErrMissingSecretKey
	}
	if ev.Tags == nil {
		ev.Tags = make(tags.T, 0)
	}
	ev.PubKey = signer.PublicKey()
	id := ev.GetIDBytes()
	sig, err := signer.Sign(id)
	if err != nil {
		return fmt.Errorf("event: signing: %w", err)
	}
	ev.ID = hex.EncodeToString(id)
	ev.Sig = hex.EncodeToString(sig)
	return nil
}

// Verify recomputes the id from the event's own fields and checks the
// signature against it. The id check runs first; a mismatch there
// means the content is not what was signed regardless of the
// signature bytes.
func (ev *T) Verify() error {
	id := ev.GetID()
	if id != ev.ID {
		return fmt.Errorf("%w: have %s, computed %s",
			ErrIDMismatch, ev.ID, id)
	}
	sig, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("%w: sig is not valid hex: %s",
			ErrInvalidSignature, err)
	}
	idb, _ := hex.DecodeString(id)
	ok, err := keys.Verify(ev.PubKey, idb, sig)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// Ascending sorts a slice of events in chronological order.
type Ascending []*T

func (ev Ascending) Len() int           { return len(ev) }
func (ev Ascending) Less(i, j int) bool { return ev[i].CreatedAt < ev[j].CreatedAt }
func (ev Ascending) Swap(i, j int)      { ev[i], ev[j] = ev[j], ev[i] }

// Descending sorts a slice of events newest first.
type Descending []*T

func (ev Descending) Len() int           { return len(ev) }
func (ev Descending) Less(i, j int) bool { return ev[i].CreatedAt > ev[j].CreatedAt }
func (ev Descending) Swap(i, j int)      { ev[i], ev[j] = ev[j], ev[i] }
