package telegram

// Чтение сообщений и работа с вложениями. Менеджер выступает источником
// сообщений для конвейера (FetchMessage/DownloadDocument) и читателем
// истории для catch-up (History/LatestMessageID); поверх того же кода
// построены просмотр переписки и отправка для веб-слоя.

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"receiptbot/internal/domain/receipts"
	"receiptbot/internal/infra/logger"
	"receiptbot/internal/infra/storage"
	"receiptbot/internal/infra/telegram/peersmgr"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
)

const (
	historyPageLimit  = 100
	maxHistoryBatches = 400
	sendTimeout       = 30 * time.Second
)

// Document — метаданные вложения для веб-слоя.
type Document struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message — сообщение в объёме, который нужен просмотру переписки.
type Message struct {
	ChatID     int64     `json:"chat_id"`
	ID         int64     `json:"id"`
	Date       time.Time `json:"date"`
	IsOutgoing bool      `json:"is_outgoing"`
	SenderID   int64     `json:"sender_id,omitempty"`
	Text       string    `json:"text"`
	Document   *Document `json:"document,omitempty"`
}

// FetchMessage возвращает сообщение в представлении конвейера.
// Отсутствующее или служебное сообщение — ErrMessageNotFound.
func (m *Manager) FetchMessage(ctx context.Context, chatID, messageID int64) (*receipts.Message, error) {
	raw, err := m.rawMessage(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	converted := pipelineMessage(raw)
	if converted == nil {
		return nil, errors.Wrapf(receipts.ErrMessageNotFound, "chat %d message %d", chatID, messageID)
	}
	converted.ChatID = chatID
	return converted, nil
}

// DownloadDocument скачивает вложение сообщения в каталог файлов
// и возвращает путь к локальному файлу.
func (m *Manager) DownloadDocument(ctx context.Context, chatID, messageID int64) (string, error) {
	raw, err := m.rawMessage(ctx, chatID, messageID)
	if err != nil {
		return "", err
	}
	doc := messageDocument(raw)
	if doc == nil {
		return "", errors.Wrap(receipts.ErrUnsupportedDocument, "message has no document")
	}

	name := documentFileName(doc)
	if name == "" {
		name = fmt.Sprintf("doc_%d", doc.ID)
	}
	path := filepath.Join(m.opts.FilesDir, fmt.Sprintf("%d_%d_%s", chatID, messageID, filepath.Base(name)))
	if err = storage.EnsureDir(path); err != nil {
		return "", errors.Wrap(err, "ensure files dir")
	}

	_, err = downloader.NewDownloader().Download(m.api, &tg.InputDocumentFileLocation{
		ID:            doc.ID,
		AccessHash:    doc.AccessHash,
		FileReference: doc.FileReference,
	}).ToPath(ctx, path)
	if err != nil {
		return "", errors.Wrap(err, "download document")
	}

	logger.Debug("document downloaded",
		zap.Int64("chat_id", chatID), zap.Int64("message_id", messageID), zap.String("path", path))
	return path, nil
}

// History возвращает до limit сообщений строго старше fromMessageID,
// от новых к старым. fromMessageID == 0 означает «с самого свежего».
func (m *Manager) History(ctx context.Context, chatID, fromMessageID int64, limit int) ([]*receipts.Message, error) {
	batch, err := m.historyBatch(ctx, chatID, fromMessageID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]*receipts.Message, 0, len(batch))
	for _, raw := range batch {
		if msg, ok := raw.(*tg.Message); ok {
			if converted := pipelineMessage(msg); converted != nil {
				converted.ChatID = chatID
				out = append(out, converted)
			}
		}
	}
	return out, nil
}

// LatestMessageID возвращает id самого свежего сообщения чата или 0,
// если чат пуст. Служебные сообщения тоже считаются: курсор должен
// указывать на реальную верхушку истории.
func (m *Manager) LatestMessageID(ctx context.Context, chatID int64) (int64, error) {
	batch, err := m.historyBatch(ctx, chatID, 0, 1)
	if err != nil {
		return 0, err
	}
	for _, raw := range batch {
		switch msg := raw.(type) {
		case *tg.Message:
			return int64(msg.ID), nil
		case *tg.MessageService:
			return int64(msg.ID), nil
		}
	}
	return 0, nil
}

// ListMessages отдаёт историю чата для веб-слоя, от новых к старым.
// fetchAll листает историю страницами до исчерпания или предела страниц.
func (m *Manager) ListMessages(ctx context.Context, chatID, fromMessageID int64, limit int, fetchAll bool) ([]*Message, error) {
	if limit <= 0 || limit > historyPageLimit {
		limit = historyPageLimit
	}

	var out []*Message
	offsetID := fromMessageID
	for batchNum := 0; ; batchNum++ {
		batch, err := m.historyBatch(ctx, chatID, offsetID, limit)
		if err != nil {
			return nil, err
		}

		var oldest int64
		for _, raw := range batch {
			msg, ok := raw.(*tg.Message)
			if !ok {
				continue
			}
			oldest = int64(msg.ID)
			out = append(out, viewMessage(chatID, msg))
		}

		if !fetchAll || len(batch) < limit || oldest == 0 {
			break
		}
		if batchNum+1 >= maxHistoryBatches {
			logger.Warn("history pagination limit reached", zap.Int64("chat_id", chatID))
			break
		}
		offsetID = oldest
	}
	return out, nil
}

// SendMessage отправляет текст в чат.
func (m *Manager) SendMessage(ctx context.Context, chatID int64, text string) error {
	if _, err := m.running(); err != nil {
		return err
	}
	peer, err := m.peers.InputPeer(ctx, chatID)
	if err != nil {
		return errors.Wrap(err, "resolve peer")
	}

	sendCtx, cancel := withTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err = message.NewSender(m.api).To(peer).Text(sendCtx, text); err != nil {
		return errors.Wrap(err, "send message")
	}
	return nil
}

// SendDocument отправляет локальный файл как документ с подписью.
func (m *Manager) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	if _, err := m.running(); err != nil {
		return err
	}
	peer, err := m.peers.InputPeer(ctx, chatID)
	if err != nil {
		return errors.Wrap(err, "resolve peer")
	}

	up := uploader.NewUploader(m.api)
	file, err := up.FromPath(ctx, path)
	if err != nil {
		return errors.Wrap(err, "upload document")
	}

	doc := message.UploadedDocument(file, styling.Plain(caption)).
		Filename(filepath.Base(path)).
		ForceFile(true)
	sender := message.NewSender(m.api).WithUploader(up)
	if _, err = sender.To(peer).Media(ctx, doc); err != nil {
		return errors.Wrap(err, "send document")
	}
	return nil
}

// rawMessage достаёт одно сообщение по адресу. Каналы и супергруппы
// требуют отдельного метода API с указанием канала.
func (m *Manager) rawMessage(ctx context.Context, chatID, messageID int64) (*tg.Message, error) {
	if _, err := m.running(); err != nil {
		return nil, err
	}
	peer, err := m.peers.InputPeer(ctx, chatID)
	if err != nil {
		return nil, errors.Wrapf(receipts.ErrMessageNotFound, "resolve peer %d: %v", chatID, err)
	}

	ids := []tg.InputMessageClass{&tg.InputMessageID{ID: int(messageID)}}
	var resp tg.MessagesMessagesClass
	if channel, ok := peer.(*tg.InputPeerChannel); ok {
		resp, err = m.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: channel.ChannelID, AccessHash: channel.AccessHash},
			ID:      ids,
		})
	} else {
		resp, err = m.api.MessagesGetMessages(ctx, ids)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get message")
	}

	for _, raw := range extractMessages(resp) {
		if msg, ok := raw.(*tg.Message); ok && int64(msg.ID) == messageID {
			return msg, nil
		}
	}
	return nil, errors.Wrapf(receipts.ErrMessageNotFound, "chat %d message %d", chatID, messageID)
}

// historyBatch — одна страница истории чата через MessagesGetHistory.
// OffsetID отдаёт сообщения строго старше указанного id.
func (m *Manager) historyBatch(ctx context.Context, chatID, offsetID int64, limit int) ([]tg.MessageClass, error) {
	if _, err := m.running(); err != nil {
		return nil, err
	}
	peer, err := m.peers.InputPeer(ctx, chatID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve peer %d", chatID)
	}

	resp, err := m.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: int(offsetID),
		Limit:    limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "get history")
	}
	return extractMessages(resp), nil
}

func extractMessages(resp tg.MessagesMessagesClass) []tg.MessageClass {
	switch data := resp.(type) {
	case *tg.MessagesMessages:
		return data.Messages
	case *tg.MessagesMessagesSlice:
		return data.Messages
	case *tg.MessagesChannelMessages:
		return data.Messages
	default:
		return nil
	}
}

// pipelineMessage переводит tg.Message в представление конвейера.
// Сообщения без текста и вложений конвейеру не интересны.
func pipelineMessage(msg *tg.Message) *receipts.Message {
	converted := &receipts.Message{
		ChatID: peersmgr.ChatIDFromPeer(msg.PeerID),
		ID:     int64(msg.ID),
		Text:   msg.Message,
	}

	switch media := msg.Media.(type) {
	case nil, *tg.MessageMediaEmpty, *tg.MessageMediaWebPage:
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			converted.HasOther = true
			break
		}
		converted.FileName = documentFileName(doc)
		converted.MimeType = doc.MimeType
		if isPDF(doc.MimeType, converted.FileName) {
			converted.HasPDF = true
		} else {
			converted.HasOther = true
		}
	default:
		converted.HasOther = true
	}

	if converted.Text == "" && !converted.HasPDF && !converted.HasOther {
		return nil
	}
	return converted
}

func viewMessage(chatID int64, msg *tg.Message) *Message {
	view := &Message{
		ChatID:     chatID,
		ID:         int64(msg.ID),
		Date:       time.Unix(int64(msg.Date), 0),
		IsOutgoing: msg.Out,
		Text:       msg.Message,
	}
	if msg.FromID != nil {
		view.SenderID = peersmgr.ChatIDFromPeer(msg.FromID)
	}
	if doc := messageDocument(msg); doc != nil {
		view.Document = &Document{
			FileName: documentFileName(doc),
			MimeType: doc.MimeType,
			Size:     doc.Size,
		}
	}
	return view
}

func messageDocument(msg *tg.Message) *tg.Document {
	media, ok := msg.Media.(*tg.MessageMediaDocument)
	if !ok {
		return nil
	}
	doc, ok := media.Document.(*tg.Document)
	if !ok {
		return nil
	}
	return doc
}

func documentFileName(doc *tg.Document) string {
	for _, attr := range doc.Attributes {
		if name, ok := attr.(*tg.DocumentAttributeFilename); ok {
			return name.FileName
		}
	}
	return ""
}

func isPDF(mimeType, fileName string) bool {
	if strings.EqualFold(mimeType, "application/pdf") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(fileName), ".pdf")
}
