// Package peersmgr — обёртка над gotd peers.Manager с персистентным хранилищем на bbolt.
// Сервис отвечает за:
//   - открытие/закрытие базы данных кэша пиров;
//   - подготовку менеджера пиров (в памяти) и доступ к нему;
//   - загрузку сохранённых peers из файла в менеджер при старте;
//   - снимок каталога чатов (название, username, последнее сообщение),
//     которым пользуется веб-слой для списка источников чеков.
package peersmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

const (
	peersBucketName                 = "peers"
	chatsSnapshotBucket             = "chats_snapshot"
	chatsSnapshotKey                = "v1"
	dbOpenTimeout                   = time.Second
	dbFileMode          os.FileMode = 0o600

	// channelIDOffset кодирует каналы и супергруппы в отрицательные chat_id
	// по соглашению Bot API: -100XXXXXXXXXX.
	channelIDOffset = int64(1_000_000_000_000)
)

var (
	peersBucketBytes       = []byte(peersBucketName)
	chatsSnapshotBuckets   = []byte(chatsSnapshotBucket)
	chatsSnapshotKeyBytes  = []byte(chatsSnapshotKey)
	errChatsSnapshotBroken = errors.New("chats snapshot is not decodable")
)

// ChatSummary — строка каталога чатов: минимум, который нужен веб-слою
// для выбора источника чеков. LastMessage кэшируется из выгрузки диалогов.
type ChatSummary struct {
	ChatID      int64  `json:"chat_id"`
	Kind        string `json:"kind"` // user|bot|group|supergroup|channel
	Title       string `json:"title"`
	Username    string `json:"username,omitempty"`
	Members     int    `json:"members,omitempty"`
	LastMessage string `json:"last_message,omitempty"`
	LastMsgID   int64  `json:"last_message_id,omitempty"`
}

// Service инкапсулирует менеджер пиров и bbolt-хранилище.
type Service struct {
	db    *bbolt.DB
	store contribstorage.PeerStorage
	Mgr   *peers.Manager

	mu    sync.RWMutex
	chats []ChatSummary
}

// New создаёт сервис пиров поверх bbolt и gotd peers.Manager.
// Сразу после открытия файла загружает сохранённый снимок каталога чатов
// (если есть), но не выполняет сетевые запросы.
func New(api *tg.Client, dbPath string) (*Service, error) {
	if api == nil {
		return nil, errors.New("peersmgr: api client is nil")
	}
	path := strings.TrimSpace(dbPath)
	if path == "" {
		return nil, errors.New("peersmgr: db path is empty")
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("peersmgr: ensure dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("peersmgr: open db: %w", err)
	}

	service := &Service{
		db:    db,
		store: bboltdb.NewPeerStorage(db, peersBucketBytes),
		Mgr:   (peers.Options{}).Build(api),
	}

	if loadErr := service.loadChatsSnapshot(); loadErr != nil {
		if !errors.Is(loadErr, errChatsSnapshotBroken) {
			_ = db.Close()
			return nil, loadErr
		}
		// Битый снимок не фатален: каталог пересоберётся при первом Refresh.
		service.setChats(nil)
	}

	return service, nil
}

// Close закрывает файл базы данных.
func (s *Service) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Store возвращает персистентное хранилище пиров (для UpdateHook).
func (s *Service) Store() contribstorage.PeerStorage {
	return s.store
}

// Chats возвращает копию текущего снимка каталога чатов.
func (s *Service) Chats() []ChatSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.chats) == 0 {
		return nil
	}
	result := make([]ChatSummary, len(s.chats))
	copy(result, s.chats)
	return result
}

// LoadFromStorage прогружает сохранённые peers из bbolt в оперативный peers.Manager.
func (s *Service) LoadFromStorage(ctx context.Context) error {
	iter, exists, err := s.iterateStoredPeers(ctx)
	if err != nil {
		if isJSONUnmarshalError(err) {
			_ = s.resetPeersBucket()
			return nil
		}
		return fmt.Errorf("peersmgr: iterate stored peers: %w", err)
	}
	if !exists {
		return nil
	}
	defer func() {
		_ = iter.Close()
	}()

	users := make([]tg.UserClass, 0)
	chats := make([]tg.ChatClass, 0)

	for iter.Next(ctx) {
		value := iter.Value()
		switch value.Key.Kind {
		case dialogs.User:
			user := value.User
			if user == nil {
				user = &tg.User{
					ID:         value.Key.ID,
					AccessHash: value.Key.AccessHash,
				}
			}
			users = append(users, user)
		case dialogs.Chat:
			chat := value.Chat
			if chat == nil {
				chat = &tg.Chat{ID: value.Key.ID}
			}
			chats = append(chats, chat)
		case dialogs.Channel:
			channel := value.Channel
			if channel == nil {
				channel = &tg.Channel{
					ID:         value.Key.ID,
					AccessHash: value.Key.AccessHash,
				}
			}
			chats = append(chats, channel)
		}
	}

	if err = iter.Err(); err != nil {
		return fmt.Errorf("peersmgr: iterate stored peers: %w", err)
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return s.Mgr.Apply(ctx, users, chats)
}

// ApplyEntities скармливает менеджеру пиров сущности из апдейта, чтобы
// access_hash для новых собеседников были доступны без выгрузки диалогов.
func (s *Service) ApplyEntities(ctx context.Context, entities tg.Entities) error {
	if len(entities.Users) == 0 && len(entities.Chats) == 0 {
		return nil
	}

	users := make([]tg.UserClass, 0, len(entities.Users))
	for _, u := range entities.Users {
		if u != nil {
			users = append(users, u)
		}
	}

	chats := make([]tg.ChatClass, 0, len(entities.Chats))
	for _, ch := range entities.Chats {
		if ch != nil {
			chats = append(chats, ch)
		}
	}

	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return s.Mgr.Apply(ctx, users, chats)
}

// InputPeer разрешает chat_id внешнего соглашения в tg.InputPeerClass.
func (s *Service) InputPeer(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	switch {
	case chatID <= -channelIDOffset:
		channel, err := s.Mgr.ResolveChannelID(ctx, -chatID-channelIDOffset)
		if err != nil {
			return nil, fmt.Errorf("resolve channel %d: %w", chatID, err)
		}
		return channel.InputPeer(), nil
	case chatID < 0:
		chat, err := s.Mgr.ResolveChatID(ctx, -chatID)
		if err != nil {
			return nil, fmt.Errorf("resolve chat %d: %w", chatID, err)
		}
		return chat.InputPeer(), nil
	default:
		user, err := s.Mgr.ResolveUserID(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("resolve user %d: %w", chatID, err)
		}
		return user.InputPeer(), nil
	}
}

// ChatIDFromPeer сводит tg.PeerClass к единому знаковому chat_id:
// пользователи положительные, обычные группы отрицательные, каналы и
// супергруппы со смещением -100XXXXXXXXXX.
func ChatIDFromPeer(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerChannel:
		return -(p.ChannelID + channelIDOffset)
	default:
		return 0
	}
}

// RefreshChats выгружает диалоги, обновляет peers.Manager и пересобирает
// снимок каталога чатов.
func (s *Service) RefreshChats(ctx context.Context) error {
	api := s.Mgr.API()
	if api == nil {
		return errors.New("peersmgr: telegram client is nil")
	}

	fetched, err := fetchDialogs(ctx, api)
	if err != nil {
		return fmt.Errorf("peersmgr: fetch dialogs: %w", err)
	}

	if err = s.Mgr.Apply(ctx, fetched.Users, fetched.Chats); err != nil {
		return fmt.Errorf("peersmgr: apply entities: %w", err)
	}

	summaries := buildChatSummaries(fetched)
	if err = s.saveChatsSnapshot(summaries); err != nil {
		return fmt.Errorf("peersmgr: persist chats snapshot: %w", err)
	}
	return nil
}

// buildChatSummaries собирает строки каталога из ответа MessagesGetDialogs.
func buildChatSummaries(data *tg.MessagesDialogs) []ChatSummary {
	usersByID := make(map[int64]*tg.User, len(data.Users))
	for _, entity := range data.Users {
		if user, ok := entity.(*tg.User); ok {
			usersByID[user.ID] = user
		}
	}
	chatsByID := make(map[int64]tg.ChatClass, len(data.Chats))
	for _, entity := range data.Chats {
		switch chat := entity.(type) {
		case *tg.Chat:
			chatsByID[chat.ID] = chat
		case *tg.Channel:
			chatsByID[chat.ID] = chat
		}
	}

	summaries := make([]ChatSummary, 0, len(data.Dialogs))
	for _, dialog := range data.Dialogs {
		dlg, ok := dialog.(*tg.Dialog)
		if !ok {
			continue
		}
		summary, ok := summarizeDialog(dlg, usersByID, chatsByID)
		if !ok {
			continue
		}
		summary.LastMsgID = int64(dlg.TopMessage)
		summary.LastMessage = messagePreview(data.Messages, dlg.TopMessage)
		summaries = append(summaries, summary)
	}
	return summaries
}

func summarizeDialog(
	dlg *tg.Dialog,
	users map[int64]*tg.User,
	chats map[int64]tg.ChatClass,
) (ChatSummary, bool) {
	switch peer := dlg.Peer.(type) {
	case *tg.PeerUser:
		user := users[peer.UserID]
		if user == nil {
			return ChatSummary{}, false
		}
		kind := "user"
		if user.Bot {
			kind = "bot"
		}
		title := strings.TrimSpace(user.FirstName + " " + user.LastName)
		if title == "" {
			title = user.Username
		}
		return ChatSummary{
			ChatID:   peer.UserID,
			Kind:     kind,
			Title:    title,
			Username: user.Username,
		}, true
	case *tg.PeerChat:
		chat, ok := chats[peer.ChatID].(*tg.Chat)
		if !ok {
			return ChatSummary{}, false
		}
		return ChatSummary{
			ChatID:  -peer.ChatID,
			Kind:    "group",
			Title:   chat.Title,
			Members: chat.ParticipantsCount,
		}, true
	case *tg.PeerChannel:
		channel, ok := chats[peer.ChannelID].(*tg.Channel)
		if !ok {
			return ChatSummary{}, false
		}
		kind := "channel"
		if channel.Megagroup {
			kind = "supergroup"
		}
		return ChatSummary{
			ChatID:   -(peer.ChannelID + channelIDOffset),
			Kind:     kind,
			Title:    channel.Title,
			Username: channel.Username,
			Members:  channel.ParticipantsCount,
		}, true
	default:
		return ChatSummary{}, false
	}
}

func messagePreview(messages []tg.MessageClass, id int) string {
	for _, msg := range messages {
		if item, ok := msg.(*tg.Message); ok && item.ID == id {
			return item.Message
		}
	}
	return ""
}

func (s *Service) iterateStoredPeers(ctx context.Context) (contribstorage.PeerIterator, bool, error) {
	exists := false
	if err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(peersBucketBytes) != nil
		return nil
	}); err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	iter, err := s.store.Iterate(ctx)
	if err != nil {
		return nil, false, err
	}
	return iter, true, nil
}

func isJSONUnmarshalError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	return strings.Contains(err.Error(), "json:")
}

func (s *Service) resetPeersBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(peersBucketBytes); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(peersBucketBytes)
		return err
	})
}

func (s *Service) loadChatsSnapshot() error {
	var data []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(chatsSnapshotBuckets)
		if bucket == nil {
			return nil
		}
		value := bucket.Get(chatsSnapshotKeyBytes)
		if len(value) == 0 {
			return nil
		}
		data = append(data, value...)
		return nil
	}); err != nil {
		return fmt.Errorf("peersmgr: load snapshot: %w", err)
	}

	if len(data) == 0 {
		s.setChats(nil)
		return nil
	}

	var summaries []ChatSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return fmt.Errorf("%w: %v", errChatsSnapshotBroken, err)
	}
	s.setChats(summaries)
	return nil
}

func (s *Service) saveChatsSnapshot(summaries []ChatSummary) error {
	payload, err := json.Marshal(summaries)
	if err != nil {
		return fmt.Errorf("peersmgr: marshal snapshot: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, bucketErr := tx.CreateBucketIfNotExists(chatsSnapshotBuckets)
		if bucketErr != nil {
			return bucketErr
		}
		return bucket.Put(chatsSnapshotKeyBytes, payload)
	})
	if err != nil {
		return fmt.Errorf("peersmgr: save snapshot: %w", err)
	}
	s.setChats(summaries)
	return nil
}

func (s *Service) setChats(summaries []ChatSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(summaries) == 0 {
		s.chats = nil
		return
	}
	s.chats = make([]ChatSummary, len(summaries))
	copy(s.chats, summaries)
}
