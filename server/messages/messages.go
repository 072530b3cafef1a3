// Package messages implements send/list/soft-delete for private and
// group conversations, including the historical-key decryption fallback
// ladder described in the component design.
package messages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/doroteaMonaco/ruggine-server/server/crypto"
	"github.com/doroteaMonaco/ruggine-server/server/store/adapter"
	"github.com/doroteaMonaco/ruggine-server/server/store/types"
)

// Errors surfaced to callers.
var (
	ErrNoSuchUser   = errors.New("no such user")
	ErrNotMember    = errors.New("not a member")
	ErrOverLength   = errors.New("message exceeds maximum length")
)

// everMemberCap bounds the historical-fallback combinatorics: groups with
// more than this many ever-members fall straight to the sender-only and
// legacy-plaintext rungs of the ladder rather than enumerating an
// intractable number of subsets. See DESIGN.md's Open Question resolution.
const everMemberCap = 12

// Rendered is one decrypted (or sentinel) line ready for display.
type Rendered struct {
	SentAt      time.Time
	SenderName  string
	Text        string
}

// Service implements message send/list/delete against a storage Adapter,
// using Crypto-derived keys. MasterKey is nil when encryption is
// disabled, in which case messages are stored and returned as plaintext.
type Service struct {
	store            adapter.Adapter
	log              zerolog.Logger
	masterKey        []byte
	encryptionOn     bool
	maxMessageLength int
}

// NewService constructs a messages Service.
func NewService(store adapter.Adapter, log zerolog.Logger, masterKey []byte, encryptionOn bool, maxMessageLength int) *Service {
	return &Service{
		store:            store,
		log:              log.With().Str("component", "messages").Logger(),
		masterKey:        masterKey,
		encryptionOn:     encryptionOn,
		maxMessageLength: maxMessageLength,
	}
}

// PrivateChatId builds the canonical chat id for a pair of user ids.
func PrivateChatId(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("private:%s-%s", a, b)
}

// GroupChatId builds the canonical chat id for a group.
func GroupChatId(groupId string) string {
	return "group:" + groupId
}

func (s *Service) seal(participants []string, plaintext string) (string, error) {
	if !s.encryptionOn {
		return plaintext, nil
	}
	key, err := crypto.DeriveKey(s.masterKey, participants)
	if err != nil {
		return "", err
	}
	return crypto.EncryptForStorage(plaintext, key)
}

// SendPrivate validates length, computes the chat id and key from the
// pair, seals, and persists.
func (s *Service) SendPrivate(ctx context.Context, senderId, recipientUsername, content string) error {
	if len(content) > s.maxMessageLength {
		return ErrOverLength
	}
	recipient, err := s.store.UserByUsername(ctx, recipientUsername)
	if err != nil {
		if errors.Is(err, adapter.ErrUnknownUser) {
			return ErrNoSuchUser
		}
		return err
	}
	chatId := PrivateChatId(senderId, recipient.Id)
	blob, err := s.seal([]string{senderId, recipient.Id}, content)
	if err != nil {
		return err
	}
	return s.store.InsertMessage(ctx, chatId, senderId, blob, time.Now().UTC())
}

// SendGroup validates length and membership, derives the key from the
// current member set, seals, and persists.
func (s *Service) SendGroup(ctx context.Context, senderId, groupId, content string) error {
	if len(content) > s.maxMessageLength {
		return ErrOverLength
	}
	isMember, err := s.store.IsMember(ctx, senderId, groupId)
	if err != nil {
		return err
	}
	if !isMember {
		return ErrNotMember
	}
	members, err := s.store.Members(ctx, groupId)
	if err != nil {
		return err
	}
	chatId := GroupChatId(groupId)
	blob, err := s.seal(members, content)
	if err != nil {
		return err
	}
	return s.store.InsertMessage(ctx, chatId, senderId, blob, time.Now().UTC())
}

// ListPrivate returns the (self, peer) history visible to self, honouring
// self's own deletion marker only.
func (s *Service) ListPrivate(ctx context.Context, selfId, peerUsername string) ([]Rendered, error) {
	peer, err := s.store.UserByUsername(ctx, peerUsername)
	if err != nil {
		if errors.Is(err, adapter.ErrUnknownUser) {
			return nil, ErrNoSuchUser
		}
		return nil, err
	}
	chatId := PrivateChatId(selfId, peer.Id)
	rows, err := s.visibleRows(ctx, selfId, chatId)
	if err != nil {
		return nil, err
	}

	names, err := s.usernamesOf(ctx, map[string]string{selfId: "", peer.Id: ""})
	if err != nil {
		return nil, err
	}
	key, err := s.deriveOrNil([]string{selfId, peer.Id})
	if err != nil {
		return nil, err
	}

	out := make([]Rendered, 0, len(rows))
	for _, row := range rows {
		text := s.openWithFallback(row.Blob, [][]byte{key})
		out = append(out, Rendered{SentAt: row.SentAt, SenderName: names[row.SenderId], Text: text})
	}
	return out, nil
}

// ListGroup returns the group's full visible history for self, requiring
// current membership, decrypting each row via the fallback ladder of
// §4.6.
func (s *Service) ListGroup(ctx context.Context, selfId, groupId string) ([]Rendered, error) {
	isMember, err := s.store.IsMember(ctx, selfId, groupId)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotMember
	}

	chatId := GroupChatId(groupId)
	rows, err := s.visibleRows(ctx, selfId, chatId)
	if err != nil {
		return nil, err
	}

	currentMembers, err := s.store.Members(ctx, groupId)
	if err != nil {
		return nil, err
	}
	everMembers, err := s.store.EverMembers(ctx, groupId)
	if err != nil {
		return nil, err
	}

	candidates, err := s.fallbackCandidates(currentMembers, everMembers)
	if err != nil {
		return nil, err
	}

	idSet := make(map[string]string, len(everMembers))
	for _, uid := range everMembers {
		idSet[uid] = ""
	}
	names, err := s.usernamesOf(ctx, idSet)
	if err != nil {
		return nil, err
	}

	out := make([]Rendered, 0, len(rows))
	for _, row := range rows {
		senderKey, err := s.deriveOrNil([]string{row.SenderId})
		if err != nil {
			return nil, err
		}
		keys := append(append([][]byte{}, candidates...), senderKey)
		text := s.openWithFallback(row.Blob, keys)
		senderName := names[row.SenderId]
		if senderName == "" {
			senderName = row.SenderId
		}
		out = append(out, Rendered{SentAt: row.SentAt, SenderName: senderName, Text: text})
	}
	return out, nil
}

// fallbackCandidates builds the ordered list of keys to try: the current
// member set first, then every sorted subset of size 2..N of the
// ever-member set (capped at everMemberCap members to stay tractable).
func (s *Service) fallbackCandidates(currentMembers, everMembers []string) ([][]byte, error) {
	var candidates [][]byte
	cur, err := s.deriveOrNil(currentMembers)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, cur)

	if len(everMembers) > everMemberCap {
		s.log.Warn().Int("ever_members", len(everMembers)).Msg("group exceeds historical-fallback cap; skipping subset enumeration")
		return candidates, nil
	}

	for _, subset := range subsetsOfSizeAtLeast2(everMembers) {
		key, err := s.deriveOrNil(subset)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, key)
	}
	return candidates, nil
}

// subsetsOfSizeAtLeast2 enumerates every subset of members with size
// 2..len(members), sorted ascending within each subset. This is the
// O(2^N) historical-membership search the component design calls for.
func subsetsOfSizeAtLeast2(members []string) [][]string {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	n := len(sorted)
	var out [][]string
	for mask := 1; mask < (1 << n); mask++ {
		var subset []string
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				subset = append(subset, sorted[i])
			}
		}
		if len(subset) >= 2 {
			out = append(out, subset)
		}
	}
	return out
}

func (s *Service) deriveOrNil(participants []string) ([]byte, error) {
	if !s.encryptionOn {
		return nil, nil
	}
	return crypto.DeriveKey(s.masterKey, participants)
}

// openWithFallback tries each candidate key in order, returns legacy
// plaintext verbatim if the row isn't a structured envelope at all, and
// otherwise the decryption-failed sentinel.
func (s *Service) openWithFallback(raw string, candidates [][]byte) string {
	if !s.encryptionOn {
		return raw
	}
	for _, key := range candidates {
		if key == nil {
			continue
		}
		text, ok, err := crypto.DecryptFromStorage(raw, key)
		if !ok {
			// Not a structured envelope at all: legacy plaintext.
			return raw
		}
		if err == nil {
			return text
		}
	}
	return crypto.DecryptionFailedSentinel
}

// visibleRows returns chatId's rows for selfId filtered by selfId's own
// deletion marker, if any.
func (s *Service) visibleRows(ctx context.Context, selfId, chatId string) ([]types.EncryptedMessage, error) {
	rows, err := s.store.ListMessages(ctx, chatId)
	if err != nil {
		return nil, err
	}
	marker, err := s.store.DeletionMarker(ctx, selfId, chatId)
	if err != nil {
		return nil, err
	}
	if marker == nil {
		return rows, nil
	}
	out := rows[:0]
	for _, row := range rows {
		if row.SentAt.After(*marker) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *Service) usernamesOf(ctx context.Context, ids map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for id := range ids {
		u, err := s.store.UserById(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = u.Username
	}
	return out, nil
}

// DeletePrivate writes a deletion marker for (self, chat-with-peer).
func (s *Service) DeletePrivate(ctx context.Context, selfId, peerUsername string) error {
	peer, err := s.store.UserByUsername(ctx, peerUsername)
	if err != nil {
		if errors.Is(err, adapter.ErrUnknownUser) {
			return ErrNoSuchUser
		}
		return err
	}
	return s.store.MarkChatDeleted(ctx, selfId, PrivateChatId(selfId, peer.Id), time.Now().UTC())
}

// DeleteGroup writes a deletion marker for (self, group chat), requiring
// current membership.
func (s *Service) DeleteGroup(ctx context.Context, selfId, groupId string) error {
	isMember, err := s.store.IsMember(ctx, selfId, groupId)
	if err != nil {
		return err
	}
	if !isMember {
		return ErrNotMember
	}
	return s.store.MarkChatDeleted(ctx, selfId, GroupChatId(groupId), time.Now().UTC())
}

// Render formats a message the way the command channel's list responses
// present it: "[{sent_at}] {sender}: {text}".
func Render(r Rendered) string {
	return fmt.Sprintf("[%d] %s: %s", r.SentAt.Unix(), r.SenderName, strings.TrimRight(r.Text, "\n"))
}
