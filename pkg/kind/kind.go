// Package kind holds the event kind taxonomy. The protocol grows new
// kinds over time, so T is an open integer type: the constants below
// cover the well-known assignments and anything else is simply a
// custom kind, carried through unchanged rather than misclassified.
package kind

import "strconv"

// T is the protocol code for the type of an event.
type T int

const (
	ProfileMetadata        T = 0
	TextNote               T = 1
	RecommendRelay         T = 2
	ContactList            T = 3
	EncryptedDirectMessage T = 4
	Deletion               T = 5
	Repost                 T = 6
	Reaction               T = 7
	BadgeAward             T = 8
	ChannelCreation        T = 40
	ChannelMetadata        T = 41
	ChannelMessage         T = 42
	ChannelHideMessage     T = 43
	ChannelMuteUser        T = 44
	FileMetadata           T = 1063
	Reporting              T = 1984
	ZapRequest             T = 9734
	Zap                    T = 9735
	MuteList               T = 10000
	PinList                T = 10001
	RelayListMetadata      T = 10002
	ClientAuthentication   T = 22242
	NostrConnect           T = 24133
	CategorizedPeopleList  T = 30000
	CategorizedBookmarks   T = 30001
	ProfileBadges          T = 30008
	BadgeDefinition        T = 30009
	LongFormArticle        T = 30023
	ApplicationSpecific    T = 30078
)

var names = map[T]string{
	ProfileMetadata:        "profile metadata",
	TextNote:               "text note",
	RecommendRelay:         "recommend relay",
	ContactList:            "contact list",
	EncryptedDirectMessage: "encrypted direct message",
	Deletion:               "deletion",
	Repost:                 "repost",
	Reaction:               "reaction",
	BadgeAward:             "badge award",
	ZapRequest:             "zap request",
	Zap:                    "zap",
	ClientAuthentication:   "client authentication",
	LongFormArticle:        "long form article",
}

// Name returns a human readable name for well-known kinds, or
// "custom (<n>)" for everything else.
func (k T) Name() string {
	if n, ok := names[k]; ok {
		return n
	}
	return "custom (" + strconv.Itoa(int(k)) + ")"
}

func (k T) Int() int { return int(k) }

// IsWellKnown reports whether k has a name in the registry this
// package knows about.
func (k T) IsWellKnown() bool { _, ok := names[k]; return ok }

// IsReplaceable kinds keep only the latest event per pubkey on relays.
func (k T) IsReplaceable() bool {
	return k == ProfileMetadata || k == ContactList ||
		(k >= 10000 && k < 20000)
}

// IsEphemeral kinds are forwarded but never stored by relays.
func (k T) IsEphemeral() bool { return k >= 20000 && k < 30000 }

// IsParameterizedReplaceable kinds are replaceable per pubkey and "d"
// tag value (addressable events).
func (k T) IsParameterizedReplaceable() bool { return k >= 30000 && k < 40000 }
