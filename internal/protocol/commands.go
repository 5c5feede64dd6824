package protocol

import (
	"strconv"
	"strings"
)

// Client-issued tokens. Auth commands are uppercase; in-session commands are
// lowercase words whose meaning depends on the containing state ("bye" is a
// logout in Menu and Contacts but a literal message inside a chat).
const (
	CmdLogin     = "LOGIN"
	CmdSignup    = "SIGNUP"
	CmdBye       = "bye"
	CmdBack      = "back"
	CmdBroadcast = "BROADCAST"
	CmdMembers   = "/members"
	CmdLeave     = "/leave"
)

const (
	resumePrefix = "RESUME_SESSION:"
	joinPrefix   = "join:"
	searchPrefix = "search:"
)

// ParseResume extracts the token from a RESUME_SESSION:<token> line.
func ParseResume(line string) (token string, ok bool) {
	if !strings.HasPrefix(line, resumePrefix) {
		return "", false
	}
	token = strings.TrimSpace(strings.TrimPrefix(line, resumePrefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// ParseJoin extracts the group id from a join:<id> line.
func ParseJoin(line string) (id int64, ok bool) {
	if !strings.HasPrefix(line, joinPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, joinPrefix)), 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// ParseSearch extracts the term from a search:<term> line.
func ParseSearch(line string) (term string, ok bool) {
	if !strings.HasPrefix(line, searchPrefix) {
		return "", false
	}
	term = strings.TrimSpace(strings.TrimPrefix(line, searchPrefix))
	if term == "" {
		return "", false
	}
	return term, true
}

// ParseGroupID interprets a bare group-list selection.
func ParseGroupID(line string) (id int64, ok bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}
