package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wirechat/wirechat-server/internal/auth"
	"github.com/wirechat/wirechat-server/internal/chat"
	"github.com/wirechat/wirechat-server/internal/group"
	"github.com/wirechat/wirechat-server/internal/protocol"
	"github.com/wirechat/wirechat-server/internal/user"
)

const (
	writeTimeout = 10 * time.Second
	cleanupGrace = 5 * time.Second
)

// menuLines is the framed main menu body. Clients print these verbatim.
var menuLines = []string{
	"1. Private Messages",
	"2. Broadcast Channel",
	"3. My Groups",
	"4. Browse Groups",
	"5. Create Group",
	"Type 'bye' to logout",
}

// outcome steers transitions between session states.
type outcome int

const (
	outBack outcome = iota // return to the previous state
	outMenu                // return to the main menu
	outLogout              // clean logout requested
	outClosed              // connection lost or write failed
)

// Session runs the state machine for one TCP connection. All writes go
// through a mutex, and a framed block is serialized as one buffered write, so
// asynchronous pushes never interleave the middle of a frame.
type Session struct {
	conn net.Conn
	hub  *Hub
	log  zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	// identity is set once during authentication, before the session is
	// registered with the hub, and never mutated afterwards.
	identity *auth.Session
}

// NewSession wraps an accepted connection.
func NewSession(hub *Hub, conn net.Conn) *Session {
	return &Session{
		conn: conn,
		hub:  hub,
		log:  hub.log.With().Str("component", "session").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

func (s *Session) username() string { return s.identity.Username }
func (s *Session) userID() int64    { return s.identity.UserID }
func (s *Session) token() string    { return s.identity.Token }
func (s *Session) durableID() int64 { return s.identity.DurableID }

// closeConn closes the socket. Safe to call from any goroutine, any number of
// times; the session's read loop unblocks with an error.
func (s *Session) closeConn() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

// push writes one asynchronous line to the client.
func (s *Session) push(line string) error {
	return s.write(line)
}

// write serializes the given lines as a single buffered write under the write
// mutex with a bounded deadline.
func (s *Session) write(lines ...string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := s.conn.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Run drives the connection from hello to teardown. It returns when the
// client logs out, the connection drops, or the context is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer s.closeConn()

	r := bufio.NewReader(s.conn)
	if err := s.write(protocol.AuthRequest); err != nil {
		return
	}

	resumed, ok := s.authenticate(ctx, r)
	if !ok {
		return
	}

	if resumed {
		// A resumed user may still carry presence pointing at the dead
		// replica; purge it before claiming them here.
		if err := s.hub.store.RemoveOnline(ctx, s.username()); err != nil {
			s.log.Warn().Err(err).Msg("Stale presence purge failed")
		}
	}
	s.hub.register(s)
	if err := s.hub.store.AddOnline(ctx, s.username(), s.hub.replicaID, s.userID()); err != nil {
		s.log.Error().Err(err).Msg("Presence registration failed")
	}

	loggedOut := false
	defer func() { s.cleanup(loggedOut) }()

	if resumed {
		if !s.drainPending(ctx) {
			return
		}
	}

	s.log.Info().Str("username", s.username()).Msg("Session established")
	loggedOut = s.menuLoop(ctx, r) == outLogout
}

// authenticate runs the Auth state: LOGIN, SIGNUP, and RESUME_SESSION
// attempts until one succeeds or the connection drops. Reports whether the
// session came up via resume.
func (s *Session) authenticate(ctx context.Context, r *bufio.Reader) (resumed, ok bool) {
	for {
		line, err := readLine(r)
		if err != nil {
			return false, false
		}

		switch {
		case line == protocol.CmdLogin:
			if s.handleLogin(ctx, r) {
				return false, true
			}
		case line == protocol.CmdSignup:
			if s.handleSignup(ctx, r) {
				return false, true
			}
		default:
			if token, isResume := protocol.ParseResume(line); isResume {
				if s.handleResume(ctx, token) {
					return true, true
				}
				continue
			}
			if err := s.write(protocol.AuthFailed("Invalid choice")); err != nil {
				return false, false
			}
		}
	}
}

func (s *Session) handleLogin(ctx context.Context, r *bufio.Reader) bool {
	if err := s.write(protocol.LoginPrompt); err != nil {
		return false
	}
	username, err := readLine(r)
	if err != nil {
		return false
	}
	password, err := readLine(r)
	if err != nil {
		return false
	}

	identity, err := s.hub.auth.Login(ctx, username, password)
	if err != nil {
		_ = s.write(protocol.AuthFailed(authFailureMessage(err)))
		return false
	}
	s.identity = identity
	return s.write(
		protocol.AuthSuccess("Login successful"),
		protocol.SessionToken(identity.Token),
	) == nil
}

func (s *Session) handleSignup(ctx context.Context, r *bufio.Reader) bool {
	if err := s.write(protocol.SignupPrompt); err != nil {
		return false
	}
	username, err := readLine(r)
	if err != nil {
		return false
	}
	password, err := readLine(r)
	if err != nil {
		return false
	}

	identity, err := s.hub.auth.Signup(ctx, username, password)
	if err != nil {
		_ = s.write(protocol.AuthFailed(authFailureMessage(err)))
		return false
	}
	s.identity = identity
	return s.write(
		protocol.AuthSuccess(fmt.Sprintf("Registration successful. Welcome %s!", identity.Username)),
		protocol.SessionToken(identity.Token),
	) == nil
}

func (s *Session) handleResume(ctx context.Context, token string) bool {
	identity, err := s.hub.auth.Resume(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrSessionExpired) {
			_ = s.write(protocol.AuthFailed("Invalid or expired session"))
		} else {
			s.log.Error().Err(err).Msg("Resume failed")
			_ = s.write(protocol.AuthFailed("Session resume failed"))
		}
		return false
	}
	s.identity = identity
	return s.write(
		protocol.SessionResumed(fmt.Sprintf("Welcome back %s!", identity.Username)),
		protocol.SessionToken(identity.Token),
	) == nil
}

// authFailureMessage maps service errors to the wire message. Validation
// sentinels carry client-appropriate text already; anything unexpected
// collapses to the generic credentials line.
func authFailureMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrBadCredentials):
		return "Invalid username or password"
	case errors.Is(err, auth.ErrUsernameTaken):
		return "Username already exists"
	case errors.Is(err, auth.ErrUsernameLength),
		errors.Is(err, auth.ErrUsernameInvalidChars),
		errors.Is(err, auth.ErrPasswordEmpty),
		errors.Is(err, auth.ErrPasswordTooLong):
		return capitalize(err.Error())
	default:
		return "Authentication error"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// drainPending replays the user's buffered messages inside one frame. The
// frame is emitted even when the buffer is empty so clients always see it
// after a resume.
func (s *Session) drainPending(ctx context.Context) bool {
	msgs, err := s.hub.store.DrainPending(ctx, s.username())
	if err != nil {
		s.log.Error().Err(err).Msg("Pending drain failed")
		msgs = nil
	}

	lines := make([]string, 0, len(msgs)+2)
	lines = append(lines, protocol.PendingStart(len(msgs)))
	for _, m := range msgs {
		lines = append(lines, protocol.PendingMsg(m.Content))
	}
	lines = append(lines, protocol.PendingEnd)
	return s.write(lines...) == nil
}

func (s *Session) menuLoop(ctx context.Context, r *bufio.Reader) outcome {
	for {
		frame := make([]string, 0, len(menuLines)+2)
		frame = append(frame, protocol.MainMenuStart)
		frame = append(frame, menuLines...)
		frame = append(frame, protocol.MainMenuEnd)
		if err := s.write(frame...); err != nil {
			return outClosed
		}

		choice, err := readLine(r)
		if err != nil {
			return outClosed
		}

		var out outcome
		switch choice {
		case protocol.CmdBye:
			return outLogout
		case "1":
			out = s.contactsState(ctx, r)
		case "2":
			out = s.broadcastState(ctx, r)
		case "3":
			out = s.myGroupsState(ctx, r)
		case "4":
			out = s.browseGroupsState(ctx, r)
		case "5":
			out = s.createGroupState(ctx, r)
		case "":
			continue
		default:
			if err := s.write(protocol.InvalidOption("Please choose 1-5 or 'bye'")); err != nil {
				return outClosed
			}
			continue
		}

		switch out {
		case outLogout, outClosed:
			return out
		}
	}
}

// contactsState shows the contact list and dispatches into private chats or
// the broadcast channel.
func (s *Session) contactsState(ctx context.Context, r *bufio.Reader) outcome {
	for {
		users, err := s.hub.users.List(ctx, s.userID())
		if err != nil {
			s.log.Error().Err(err).Msg("Contact list query failed")
			return outMenu
		}
		online, err := s.hub.store.ListOnline(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("Online list query failed")
			return outMenu
		}
		onlineSet := make(map[string]struct{}, len(online))
		for _, name := range online {
			onlineSet[name] = struct{}{}
		}

		frame := make([]string, 0, len(users)+3)
		frame = append(frame, protocol.ContactListStart, protocol.BroadcastContact)
		for _, u := range users {
			_, isOnline := onlineSet[u.Username]
			frame = append(frame, protocol.ContactLine(u.Username, isOnline))
		}
		frame = append(frame, protocol.ContactListEnd)
		if err := s.write(frame...); err != nil {
			return outClosed
		}

		selection, err := readLine(r)
		if err != nil {
			return outClosed
		}

		switch selection {
		case protocol.CmdBye:
			return outLogout
		case protocol.CmdBack:
			return outMenu
		case "":
			continue // refresh
		case protocol.CmdBroadcast:
			if out := s.broadcastState(ctx, r); out != outBack {
				return out
			}
			continue
		}

		peer, err := s.hub.users.GetByUsername(ctx, selection)
		if err != nil {
			if errors.Is(err, user.ErrNotFound) {
				if wErr := s.write(protocol.ContactNotFound("Contact not found")); wErr != nil {
					return outClosed
				}
				continue
			}
			s.log.Error().Err(err).Msg("Contact lookup failed")
			continue
		}

		if out := s.privateChatState(ctx, r, peer); out != outBack {
			return out
		}
	}
}

// privateChatState replays conversation history and relays lines between the
// two participants until the client backs out. "bye" here is a literal
// message; logout requires backing out to the contact list first.
func (s *Session) privateChatState(ctx context.Context, r *bufio.Reader, peer *user.User) outcome {
	convID, err := s.hub.chats.GetOrCreateConversation(ctx, s.userID(), peer.ID)
	if err != nil {
		s.log.Error().Err(err).Str("peer", peer.Username).Msg("Conversation open failed")
		return outBack
	}

	history, err := s.hub.chats.HistoryPrivate(ctx, convID, chat.DefaultLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("History query failed")
		history = nil
	}

	frame := make([]string, 0, len(history)+2)
	frame = append(frame, protocol.ConversationStart(peer.Username))
	for _, m := range history {
		frame = append(frame, protocol.HistoryLine(m.CreatedAt, m.SenderUsername, m.Text))
	}
	frame = append(frame, protocol.ConversationReady)
	if err := s.write(frame...); err != nil {
		return outClosed
	}

	for {
		line, err := readLine(r)
		if err != nil {
			return outClosed
		}
		if line == "" || line == protocol.CmdBack {
			return outBack
		}

		text, err := chat.ValidateText(line)
		if err != nil {
			if wErr := s.write(protocol.InvalidMessage(capitalize(err.Error()))); wErr != nil {
				return outClosed
			}
			continue
		}

		if err := s.hub.chats.AppendPrivate(ctx, convID, s.userID(), s.username(), text); err != nil {
			s.log.Error().Err(err).Msg("Message persist failed")
			if wErr := s.write(protocol.InvalidMessage("Could not save message")); wErr != nil {
				return outClosed
			}
			continue
		}

		delivered, err := s.hub.SendToUser(ctx, peer.Username, protocol.PrivatePush(s.username(), text))
		if err != nil {
			s.log.Warn().Err(err).Str("peer", peer.Username).Msg("Delivery routing failed")
			delivered = false
		}

		confirm := protocol.SentSaved
		if delivered {
			confirm = protocol.SentDelivered
		}
		if err := s.write(confirm); err != nil {
			return outClosed
		}
	}
}

// broadcastState replays the broadcast log and fans client lines out to every
// online user, buffering for offline users who still hold a resume token.
func (s *Session) broadcastState(ctx context.Context, r *bufio.Reader) outcome {
	history, err := s.hub.chats.HistoryBroadcast(ctx, chat.DefaultLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("Broadcast history query failed")
		history = nil
	}

	frame := make([]string, 0, len(history)+2)
	frame = append(frame, protocol.BroadcastStart)
	for _, m := range history {
		frame = append(frame, protocol.HistoryLine(m.CreatedAt, m.SenderUsername, m.Text))
	}
	frame = append(frame, protocol.ConversationReady)
	if err := s.write(frame...); err != nil {
		return outClosed
	}

	for {
		line, err := readLine(r)
		if err != nil {
			return outClosed
		}
		if line == "" || line == protocol.CmdBack {
			return outBack
		}

		text, err := chat.ValidateText(line)
		if err != nil {
			if wErr := s.write(protocol.InvalidMessage(capitalize(err.Error()))); wErr != nil {
				return outClosed
			}
			continue
		}

		delivered, total, err := s.sendBroadcast(ctx, text)
		if err != nil {
			s.log.Error().Err(err).Msg("Broadcast failed")
			if wErr := s.write(protocol.InvalidMessage("Could not send broadcast")); wErr != nil {
				return outClosed
			}
			continue
		}
		if err := s.write(protocol.BroadcastSent(delivered, total)); err != nil {
			return outClosed
		}
	}
}

// sendBroadcast persists the message, pushes it to every online user except
// the sender, and buffers it for token-holding offline users. Returns how
// many online users it was delivered to and the total registered recipients.
func (s *Session) sendBroadcast(ctx context.Context, text string) (delivered, total int, err error) {
	if err := s.hub.chats.AppendBroadcast(ctx, s.userID(), s.username(), text); err != nil {
		return 0, 0, err
	}

	registered, err := s.hub.users.Count(ctx)
	if err != nil {
		return 0, 0, err
	}
	total = registered - 1

	line := protocol.BroadcastPush(s.username(), text)

	online, err := s.hub.store.ListOnline(ctx)
	if err != nil {
		return 0, total, err
	}
	onlineSet := make(map[string]struct{}, len(online))
	for _, name := range online {
		if name == s.username() {
			continue
		}
		onlineSet[name] = struct{}{}
		ok, sendErr := s.hub.SendToUser(ctx, name, line)
		if sendErr != nil {
			s.log.Warn().Err(sendErr).Str("target", name).Msg("Broadcast push failed")
			continue
		}
		if ok {
			delivered++
		}
	}

	// Offline users holding a live resume token get the line buffered for
	// their next reconnect. This is the only producer of pending messages.
	holders, err := s.hub.store.TokenHolders(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Token holder scan failed")
		return delivered, total, nil
	}
	for _, holder := range holders {
		if holder == s.username() {
			continue
		}
		if _, isOnline := onlineSet[holder]; isOnline {
			continue
		}
		if err := s.hub.store.EnqueuePending(ctx, holder, line); err != nil {
			s.log.Warn().Err(err).Str("target", holder).Msg("Pending enqueue failed")
		}
	}
	return delivered, total, nil
}

// myGroupsState lists the user's groups and opens one on selection.
func (s *Session) myGroupsState(ctx context.Context, r *bufio.Reader) outcome {
	for {
		groups, err := s.hub.groups.ListUserGroups(ctx, s.userID())
		if err != nil {
			s.log.Error().Err(err).Msg("Group list query failed")
			return outMenu
		}

		frame := make([]string, 0, len(groups)+2)
		frame = append(frame, protocol.MyGroupsStart)
		if len(groups) == 0 {
			frame = append(frame, protocol.NoGroups("You are not a member of any groups yet"))
		}
		for _, g := range groups {
			frame = append(frame, protocol.MyGroupLine(g.ID, g.Name, g.Description, g.MemberCount, g.Role))
		}
		frame = append(frame, protocol.MyGroupsEnd)
		if err := s.write(frame...); err != nil {
			return outClosed
		}

		selection, err := readLine(r)
		if err != nil {
			return outClosed
		}

		switch selection {
		case protocol.CmdBye:
			return outLogout
		case protocol.CmdBack:
			return outMenu
		case "":
			continue
		}

		groupID, ok := protocol.ParseGroupID(selection)
		if !ok {
			if err := s.write(protocol.InvalidSelection("Enter a group id, 'back', or 'bye'")); err != nil {
				return outClosed
			}
			continue
		}

		if out := s.enterGroup(ctx, r, groupID); out != outBack {
			return out
		}
	}
}

// browseGroupsState lists every active group and handles join, search, and
// open requests.
func (s *Session) browseGroupsState(ctx context.Context, r *bufio.Reader) outcome {
	groups, err := s.hub.groups.ListActiveGroups(ctx, s.userID())
	if err != nil {
		s.log.Error().Err(err).Msg("Group browse query failed")
		return outMenu
	}

	for {
		if err := s.writeBrowseFrame(groups); err != nil {
			return outClosed
		}

		selection, err := readLine(r)
		if err != nil {
			return outClosed
		}

		switch selection {
		case protocol.CmdBye:
			return outLogout
		case protocol.CmdBack:
			return outMenu
		case "":
			groups, err = s.hub.groups.ListActiveGroups(ctx, s.userID())
			if err != nil {
				s.log.Error().Err(err).Msg("Group browse query failed")
				return outMenu
			}
			continue
		}

		if term, ok := protocol.ParseSearch(selection); ok {
			groups, err = s.hub.groups.SearchGroups(ctx, term, s.userID())
			if err != nil {
				s.log.Error().Err(err).Msg("Group search failed")
				return outMenu
			}
			continue
		}

		if joinID, ok := protocol.ParseJoin(selection); ok {
			if err := s.handleJoin(ctx, joinID); err != nil {
				return outClosed
			}
			groups, err = s.hub.groups.ListActiveGroups(ctx, s.userID())
			if err != nil {
				s.log.Error().Err(err).Msg("Group browse query failed")
				return outMenu
			}
			continue
		}

		groupID, ok := protocol.ParseGroupID(selection)
		if !ok {
			if err := s.write(protocol.InvalidSelection("Enter a group id, 'join:<id>', 'search:<term>', 'back', or 'bye'")); err != nil {
				return outClosed
			}
			continue
		}

		member, err := s.hub.groups.IsMember(ctx, groupID, s.userID())
		if err != nil {
			s.log.Error().Err(err).Msg("Membership query failed")
			continue
		}
		if !member {
			if err := s.write(protocol.NotMember("Join the group before opening it")); err != nil {
				return outClosed
			}
			continue
		}

		if out := s.enterGroup(ctx, r, groupID); out != outBack {
			return out
		}
	}
}

func (s *Session) writeBrowseFrame(groups []group.Summary) error {
	frame := make([]string, 0, len(groups)+2)
	frame = append(frame, protocol.BrowseGroupsStart)
	for _, g := range groups {
		status := "open"
		if g.IsMember {
			status = "member"
		}
		frame = append(frame, protocol.BrowseGroupLine(g.ID, g.Name, g.Description, g.MemberCount, status))
	}
	frame = append(frame, protocol.BrowseGroupsEnd)
	return s.write(frame...)
}

func (s *Session) handleJoin(ctx context.Context, groupID int64) error {
	g, err := s.hub.groups.Info(ctx, groupID)
	if err != nil || !g.IsActive {
		return s.write(protocol.JoinFailed("Group not found"))
	}
	if err := s.hub.groups.Join(ctx, groupID, s.userID(), s.username()); err != nil {
		switch {
		case errors.Is(err, group.ErrAlreadyMember):
			return s.write(protocol.JoinFailed("User is already a member of this group"))
		default:
			s.log.Error().Err(err).Int64("group_id", groupID).Msg("Join failed")
			return s.write(protocol.JoinFailed("Could not join group"))
		}
	}
	return s.write(protocol.JoinSuccess(fmt.Sprintf("Joined '%s'", g.Name)))
}

// createGroupState prompts for a name and description, creates the group,
// and offers to enter it immediately.
func (s *Session) createGroupState(ctx context.Context, r *bufio.Reader) outcome {
	if err := s.write(protocol.CreateGroupPrompt); err != nil {
		return outClosed
	}

	name, err := readLine(r)
	if err != nil {
		return outClosed
	}
	if name == protocol.CmdBack {
		return outMenu
	}
	description, err := readLine(r)
	if err != nil {
		return outClosed
	}

	g, err := s.hub.groups.Create(ctx, name, description, s.userID(), s.username())
	if err != nil {
		switch {
		case errors.Is(err, group.ErrNameTaken):
			_ = s.write(protocol.CreateFailed("Group name already taken"))
		case errors.Is(err, group.ErrInvalidName):
			_ = s.write(protocol.CreateFailed(capitalize(err.Error())))
		default:
			s.log.Error().Err(err).Msg("Group creation failed")
			_ = s.write(protocol.CreateFailed("Could not create group"))
		}
		return outMenu
	}

	if err := s.write(protocol.CreateSuccess(fmt.Sprintf("Group '%s' created successfully", g.Name), g.ID)); err != nil {
		return outClosed
	}

	answer, err := readLine(r)
	if err != nil {
		return outClosed
	}
	if strings.EqualFold(answer, "yes") {
		if out := s.enterGroup(ctx, r, g.ID); out != outBack {
			return out
		}
	}
	return outMenu
}

// enterGroup replays group history and relays messages until the client backs
// out or leaves the group. "bye" here is a literal message.
func (s *Session) enterGroup(ctx context.Context, r *bufio.Reader, groupID int64) outcome {
	g, err := s.hub.groups.Info(ctx, groupID)
	if err != nil {
		if errors.Is(err, group.ErrNotFound) {
			if wErr := s.write(protocol.InvalidSelection("Group not found")); wErr != nil {
				return outClosed
			}
			return outBack
		}
		s.log.Error().Err(err).Int64("group_id", groupID).Msg("Group lookup failed")
		return outBack
	}
	member, err := s.hub.groups.IsMember(ctx, groupID, s.userID())
	if err != nil {
		s.log.Error().Err(err).Msg("Membership query failed")
		return outBack
	}
	if !member || !g.IsActive {
		if wErr := s.write(protocol.NotMember("Join the group before opening it")); wErr != nil {
			return outClosed
		}
		return outBack
	}

	history, err := s.hub.groups.History(ctx, groupID, chat.DefaultLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("Group history query failed")
		history = nil
	}

	frame := make([]string, 0, len(history)+2)
	frame = append(frame, protocol.GroupChatStart(g.Name, g.ID))
	for _, m := range history {
		frame = append(frame, protocol.HistoryLine(m.CreatedAt, m.SenderUsername, m.Text))
	}
	frame = append(frame, protocol.GroupChatReady)
	if err := s.write(frame...); err != nil {
		return outClosed
	}

	if err := s.hub.groups.MarkAllRead(ctx, groupID, s.userID()); err != nil {
		s.log.Warn().Err(err).Int64("group_id", groupID).Msg("Read mark failed")
	}

	for {
		line, err := readLine(r)
		if err != nil {
			return outClosed
		}

		switch line {
		case "":
			continue
		case protocol.CmdBack:
			return outMenu
		case protocol.CmdMembers:
			if err := s.writeMembersFrame(ctx, groupID); err != nil {
				return outClosed
			}
			continue
		case protocol.CmdLeave:
			if err := s.hub.groups.Leave(ctx, groupID, s.userID(), s.username()); err != nil {
				s.log.Error().Err(err).Int64("group_id", groupID).Msg("Leave failed")
				if wErr := s.write(protocol.LeaveResult("Could not leave group")); wErr != nil {
					return outClosed
				}
				continue
			}
			if err := s.write(protocol.LeaveResult(fmt.Sprintf("You have left '%s'", g.Name))); err != nil {
				return outClosed
			}
			return outMenu
		}

		if _, err := s.hub.groups.Post(ctx, groupID, s.userID(), s.username(), line); err != nil {
			switch {
			case errors.Is(err, group.ErrNotMember):
				if wErr := s.write(protocol.NotMember("You are no longer a member of this group")); wErr != nil {
					return outClosed
				}
				return outMenu
			case errors.Is(err, chat.ErrEmptyText), errors.Is(err, chat.ErrTextTooLong):
				if wErr := s.write(protocol.InvalidMessage(capitalize(err.Error()))); wErr != nil {
					return outClosed
				}
			default:
				s.log.Error().Err(err).Int64("group_id", groupID).Msg("Group post failed")
				if wErr := s.write(protocol.InvalidMessage("Could not send message")); wErr != nil {
					return outClosed
				}
			}
			continue
		}

		if err := s.write(protocol.GroupSent); err != nil {
			return outClosed
		}
	}
}

func (s *Session) writeMembersFrame(ctx context.Context, groupID int64) error {
	members, err := s.hub.groups.Members(ctx, groupID)
	if err != nil {
		s.log.Error().Err(err).Int64("group_id", groupID).Msg("Member list query failed")
		members = nil
	}
	frame := make([]string, 0, len(members)+2)
	frame = append(frame, protocol.GroupMembersStart)
	for _, m := range members {
		frame = append(frame, protocol.GroupMemberLine(m.Username, m.Role, m.JoinedAt))
	}
	frame = append(frame, protocol.GroupMembersEnd)
	return s.write(frame...)
}

// cleanup tears the session down. Clean logout revokes the resume token,
// which also purges pending messages; a dropped connection keeps the token so
// the client can resume. Presence is removed only when this session is still
// the user's current one, so a displaced connection cannot erase its
// successor's record.
func (s *Session) cleanup(loggedOut bool) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupGrace)
	defer cancel()

	s.hub.unregister(s)

	if s.hub.local(s.username()) == nil {
		if err := s.hub.store.RemoveOnline(ctx, s.username()); err != nil {
			s.log.Warn().Err(err).Msg("Presence cleanup failed")
		}
	}

	if loggedOut {
		if err := s.hub.auth.Logout(ctx, s.identity); err != nil {
			s.log.Warn().Err(err).Msg("Logout cleanup failed")
		}
		s.log.Info().Str("username", s.username()).Msg("Session logged out")
		return
	}

	if err := s.hub.users.CloseSession(ctx, s.durableID()); err != nil {
		s.log.Warn().Err(err).Msg("Durable session close failed")
	}
	s.log.Info().Str("username", s.username()).Msg("Session disconnected")
}
