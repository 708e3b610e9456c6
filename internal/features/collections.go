package features

import "github.com/sandwichfarm/livefeed/internal/docstore"

// Collections and fields shared by the feeds and the write helpers
const (
	CollectionRequests = "requests"
	CollectionPosts    = "posts"
	CollectionThreads  = "threads"
	CollectionSettings = "settings"

	SubEncouragements = "encouragements"
	SubLikes          = "likes"
	SubComments       = "comments"
	SubMessages       = "messages"

	FieldStatus  = "status"
	FieldText    = "text"
	FieldMinutes = "minutes"

	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusClosed   = "closed"

	// SettingUrgency is the settings document overriding the urgency threshold
	SettingUrgency = "urgency"
)

// memberField marks thread membership; threads carry one per participant
func memberField(user string) string {
	return "member." + user
}

func encouragements(requestID string) string {
	return docstore.ChildCollection(CollectionRequests, requestID, SubEncouragements)
}

func postLikes(postID string) string {
	return docstore.ChildCollection(CollectionPosts, postID, SubLikes)
}

func postComments(postID string) string {
	return docstore.ChildCollection(CollectionPosts, postID, SubComments)
}

func commentLikes(postID, commentID string) string {
	return docstore.ChildCollection(postComments(postID), commentID, SubLikes)
}

func threadMessages(threadID string) string {
	return docstore.ChildCollection(CollectionThreads, threadID, SubMessages)
}
