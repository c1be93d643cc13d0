// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-mirror/pkg/mirror"
)

// MakeFeedID creates a mirror.FeedID from a Mattermost channel ID or a Matrix room ID.
func MakeFeedID(channelID string) mirror.FeedID {
	return mirror.FeedID(channelID)
}

// ParseChannelID extracts the Mattermost channel ID from a FeedID.
func ParseChannelID(feed mirror.FeedID) string {
	return string(feed)
}

// MakeMessageID creates a mirror.MessageID from a Mattermost post ID.
func MakeMessageID(postID string) mirror.MessageID {
	return mirror.MessageID(postID)
}

// ParsePostID extracts the Mattermost post ID from a MessageID.
func ParsePostID(messageID mirror.MessageID) string {
	return string(messageID)
}

// ParseRoomID extracts the Matrix room ID from a FeedID.
func ParseRoomID(feed mirror.FeedID) id.RoomID {
	return id.RoomID(feed)
}

// MakeEventMessageID creates a mirror.MessageID from a Matrix event ID.
func MakeEventMessageID(eventID id.EventID) mirror.MessageID {
	return mirror.MessageID(eventID)
}

// ParseEventID extracts the Matrix event ID from a MessageID.
func ParseEventID(messageID mirror.MessageID) id.EventID {
	return id.EventID(messageID)
}

// validFeedID reports whether feed is a well-formed channel or room ID on
// the given platform.
func validFeedID(platform, feed string) bool {
	switch platform {
	case PlatformMattermost:
		return model.IsValidId(feed)
	case PlatformMatrix:
		return strings.HasPrefix(feed, "!") && strings.Contains(feed, ":")
	default:
		return false
	}
}
