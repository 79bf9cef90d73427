package events

const (
	// TopicRequestTransition carries lifecycle.Transition values.
	TopicRequestTransition = "request.transition"
	// TopicProfileStatus carries browser.ProfileEvent values.
	TopicProfileStatus = "profile.status"
)
