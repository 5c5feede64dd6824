// Package protocol defines the newline-delimited wire grammar spoken between
// chat clients and server replicas, plus the JSON envelopes replicas exchange
// over the coordinator's pub/sub channels.
//
// Every logical record is one UTF-8 line. Framed blocks open with a
// <NAME>_START sentinel (optionally carrying a colon-joined argument), contain
// zero or more payload lines, and close with <NAME>_END — or <NAME>_READY
// where the block introduces a live channel. Payload fields are joined with
// ':' or '|' depending on the frame; the exact placement is part of the
// protocol and asserted by tests, because deployed terminal clients split on
// these characters with fixed arities.
package protocol

import (
	"fmt"
	"time"
)

// Sentinel lines without arguments.
const (
	AuthRequest  = "AUTH_REQUEST"
	LoginPrompt  = "LOGIN_PROMPT"
	SignupPrompt = "SIGNUP_PROMPT"

	MainMenuStart = "MAIN_MENU_START"
	MainMenuEnd   = "MAIN_MENU_END"

	ContactListStart = "CONTACT_LIST_START"
	ContactListEnd   = "CONTACT_LIST_END"

	// ConversationReady closes both private-conversation and broadcast
	// history replays.
	ConversationReady = "CONVERSATION_READY"

	PendingEnd = "PENDING_MESSAGES_END"

	MyGroupsStart     = "MY_GROUPS_START"
	MyGroupsEnd       = "MY_GROUPS_END"
	BrowseGroupsStart = "BROWSE_GROUPS_START"
	BrowseGroupsEnd   = "BROWSE_GROUPS_END"
	GroupMembersStart = "GROUP_MEMBERS_START"
	GroupMembersEnd   = "GROUP_MEMBERS_END"
	GroupChatReady    = "GROUP_CHAT_READY"
	CreateGroupPrompt = "CREATE_GROUP_PROMPT"
)

// Fixed-argument lines. Clients match these verbatim.
const (
	BroadcastStart = "BROADCAST_START:BROADCAST CHANNEL"

	SentDelivered = "SENT:Message delivered"
	SentSaved     = "SENT:Message saved (recipient offline)"
	GroupSent     = "GROUP_SENT:Message sent to group"

	// BroadcastContact is the synthetic first entry of every contact list.
	BroadcastContact = "BROADCAST|broadcast"
)

// Timestamp layouts used in payload lines.
const (
	historyTimeLayout = "2006-01-02 15:04:05"
	joinedDateLayout  = "2006-01-02"
)

// AuthSuccess builds the successful-authentication line.
func AuthSuccess(msg string) string { return "AUTH_SUCCESS:" + msg }

// AuthFailed builds the failed-authentication line.
func AuthFailed(msg string) string { return "AUTH_FAILED:" + msg }

// SessionToken builds the line carrying the resume token issued for this login.
func SessionToken(token string) string { return "SESSION_TOKEN:" + token }

// SessionResumed builds the line confirming a RESUME_SESSION hit.
func SessionResumed(msg string) string { return "SESSION_RESUMED:" + msg }

// PendingStart opens the pending-message replay frame; n is the number of
// PENDING_MSG lines that follow.
func PendingStart(n int) string { return fmt.Sprintf("PENDING_MESSAGES_START:%d", n) }

// PendingMsg wraps one buffered message content line.
func PendingMsg(content string) string { return "PENDING_MSG:" + content }

// InvalidOption reports an unrecognized main-menu choice.
func InvalidOption(msg string) string { return "INVALID_OPTION:" + msg }

// InvalidSelection reports an unusable group selection.
func InvalidSelection(msg string) string { return "INVALID_SELECTION:" + msg }

// InvalidMessage rejects a chat line that failed validation or persistence.
func InvalidMessage(msg string) string { return "INVALID_MESSAGE:" + msg }

// ContactNotFound reports an unknown contact name.
func ContactNotFound(msg string) string { return "CONTACT_NOT_FOUND:" + msg }

// NotMember reports an attempt to open a group the user has not joined.
func NotMember(msg string) string { return "NOT_MEMBER:" + msg }

// ConversationStart opens a private-conversation replay frame.
func ConversationStart(peer string) string { return "CONVERSATION_START:" + peer }

// BroadcastSent confirms a broadcast: delivered is the number of online users
// the message was pushed to, total the number of registered recipients.
func BroadcastSent(delivered, total int) string {
	return fmt.Sprintf("BROADCAST_SENT:Broadcast sent to %d online users (of %d total)", delivered, total)
}

// ContactLine renders one contact-list entry.
func ContactLine(username string, online bool) string {
	if online {
		return username + "|online"
	}
	return username + "|offline"
}

// PrivatePush renders an asynchronous private-message delivery. Text rides in
// the final field, so colons inside it survive the client's 3-way split.
func PrivatePush(from, text string) string { return "MESSAGE:" + from + ":" + text }

// BroadcastPush renders an asynchronous broadcast delivery. The optional
// trailing timestamp field is deliberately omitted for the same reason.
func BroadcastPush(from, text string) string { return "BROADCAST:" + from + ":" + text }

// GroupPush renders an asynchronous group-message delivery.
func GroupPush(group, from, text string) string {
	return "GROUP_MESSAGE:" + group + ":" + from + ":" + text
}

// HistoryLine renders one replayed message inside a conversation, broadcast,
// or group-chat frame.
func HistoryLine(ts time.Time, sender, text string) string {
	return fmt.Sprintf("[%s] %s: %s", ts.Format(historyTimeLayout), sender, text)
}

// GroupChatStart opens a group-chat frame.
func GroupChatStart(name string, id int64) string {
	return fmt.Sprintf("GROUP_CHAT_START:%s:%d", name, id)
}

// MyGroupLine renders one entry of the user's group list.
func MyGroupLine(id int64, name, description string, members int, role string) string {
	return fmt.Sprintf("%d|%s|%s|%d|%s", id, name, description, members, role)
}

// BrowseGroupLine renders one entry of the all-groups listing. Status is
// "member" when the viewer already belongs to the group, "open" otherwise.
func BrowseGroupLine(id int64, name, description string, members int, status string) string {
	return fmt.Sprintf("%d|%s|%s|%d|%s", id, name, description, members, status)
}

// GroupMemberLine renders one entry of a group's member listing.
func GroupMemberLine(username, role string, joined time.Time) string {
	return fmt.Sprintf("%s|%s|%s", username, role, joined.Format(joinedDateLayout))
}

// NoGroups is emitted inside an otherwise empty MY_GROUPS frame.
func NoGroups(msg string) string { return "NO_GROUPS:" + msg }

// JoinSuccess confirms a join:<id> request.
func JoinSuccess(msg string) string { return "JOIN_SUCCESS:" + msg }

// JoinFailed rejects a join:<id> request.
func JoinFailed(msg string) string { return "JOIN_FAILED:" + msg }

// CreateSuccess confirms group creation and carries the new group id in the
// final field.
func CreateSuccess(msg string, id int64) string {
	return fmt.Sprintf("CREATE_SUCCESS:%s:%d", msg, id)
}

// CreateFailed rejects a group creation attempt.
func CreateFailed(msg string) string { return "CREATE_FAILED:" + msg }

// LeaveResult reports the outcome of /leave.
func LeaveResult(msg string) string { return "LEAVE_RESULT:" + msg }
