package messaging

// Topic constants for the minesync messaging system
const (
	// Remote profile snapshots, keyed by user id (profile service → minerd)
	TopicProfileUpdates = "profile.updates"

	// Session transitions and rewards, keyed by user id (minerd → analytics)
	TopicSessionEvents = "mining.session_events"
)
