package model

import (
	"time"

	"github.com/lib/pq"
)

// SessionRecord is one linked social account owned by one chat guild. The
// serialized OAuth session is stored encrypted; which key decrypts it is a
// function of KeyID alone (see Custody).
type SessionRecord struct {
	GuildID              string         `db:"guild_id" json:"guildId"`
	ActorDID             string         `db:"actor_did" json:"actorDid"`
	EncryptedSession     string         `db:"encrypted_session" json:"-"`
	KeyID                *int           `db:"key_id" json:"-"`
	EncryptedTOTPSecret  *string        `db:"encrypted_totp_secret" json:"-"`
	IsDefault            bool           `db:"is_default" json:"isDefault"`
	AutoRepostChannelIDs pq.StringArray `db:"auto_repost_channel_ids" json:"autoRepostChannelIds"`
	CreatedAt            time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updatedAt"`
}

// Custody is the tagged form of a record's key-custody state, built once at
// load time so call sites never re-test optional fields.
type Custody interface {
	Policy() Policy
}

// SystemProtected means the session decrypts with the operator-held key in
// the named keyring slot.
type SystemProtected struct {
	KeyID int
}

func (SystemProtected) Policy() Policy { return PolicySystem }

// GroupProtected means the session decrypts only with a key the group's
// operators supply at action time.
type GroupProtected struct{}

func (GroupProtected) Policy() Policy { return PolicyGroup }

// Custody classifies the record. KeyID present means system custody; absent
// means group custody. There is no third state.
func (r *SessionRecord) Custody() Custody {
	if r.KeyID != nil {
		return SystemProtected{KeyID: *r.KeyID}
	}
	return GroupProtected{}
}

// HasTOTP reports whether a second factor is bound to this record.
func (r *SessionRecord) HasTOTP() bool {
	return r.EncryptedTOTPSecret != nil && *r.EncryptedTOTPSecret != ""
}

// AllowsAutoRepost reports whether unattended reposting is configured for
// the given chat channel.
func (r *SessionRecord) AllowsAutoRepost(channelID string) bool {
	for _, id := range r.AutoRepostChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}

// UpsertSessionParams creates or replaces a record after an authorization
// handshake completes.
type UpsertSessionParams struct {
	GuildID          string
	ActorDID         string
	EncryptedSession string
	KeyID            *int
}

// UpdateEncryptionParams rewrites every key-dependent field of a record in a
// single statement. KeyID nil moves the record to group custody; rotation
// into group custody also clears the auto-repost channels.
type UpdateEncryptionParams struct {
	EncryptedSession    string
	KeyID               *int
	EncryptedTOTPSecret *string
	ClearAutoChannels   bool
}
