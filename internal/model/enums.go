package model

// Policy names a key-custody model for a linked session.
type Policy string

const (
	// PolicySystem encrypts the session under one of the operator-held
	// system keys. Skyflock can decrypt it unattended.
	PolicySystem Policy = "system"

	// PolicyGroup encrypts the session under a key known only to the
	// group's human operators, supplied at action time and never stored.
	PolicyGroup Policy = "group"
)

func (p Policy) Valid() bool {
	return p == PolicySystem || p == PolicyGroup
}

// ActionKind is a sensitive operation performed on behalf of a linked
// account once the authorization gate lets it through.
type ActionKind string

const (
	ActionPost      ActionKind = "post"
	ActionLike      ActionKind = "like"
	ActionUnlike    ActionKind = "unlike"
	ActionRepost    ActionKind = "repost"
	ActionUnrepost  ActionKind = "unrepost"
	ActionFollow    ActionKind = "follow"
	ActionUnfollow  ActionKind = "unfollow"
	ActionMute      ActionKind = "mute"
	ActionUnmute    ActionKind = "unmute"
	ActionSignOut   ActionKind = "signout"
	ActionRotate    ActionKind = "rotate"
	ActionMFAToggle ActionKind = "mfa"
	ActionAutoSetup ActionKind = "auto"
)
