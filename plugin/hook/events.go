package hook

const (
	// BeforeChannelJoin receives *ChannelJoin.
	BeforeChannelJoin = "before_channel_join"
	// BeforeEnterDM receives *DMOpen.
	BeforeEnterDM = "before_enter_dm"
	// OnPresenceChange receives PresenceChange after the registry commit.
	OnPresenceChange = "on_presence_change"
	// OnRelationChange receives RelationChange after the store commit.
	OnRelationChange = "on_relation_change"
)

type ChannelJoin struct {
	UserID    int64
	ChannelID int64
}

type DMOpen struct {
	UserID   int64
	TargetID int64
}

type PresenceChange struct {
	UserID    int64
	From      string
	To        string
	ChannelID int64
}

// RelationChange has an empty Type when the edge was removed.
type RelationChange struct {
	SenderID   int64
	ReceiverID int64
	Type       string
}
