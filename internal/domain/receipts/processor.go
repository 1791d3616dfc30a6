// Package receipts — воркер конвейера: превращает адрес сообщения
// (chat_id, message_id) в запись Transaction. Скачивание PDF, каскад разбора,
// резолвинг оператора, знак суммы, отпечаток содержимого и идемпотентная
// вставка собраны здесь в одну последовательность шагов.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"receiptbot/internal/domain/operators"
	"receiptbot/internal/domain/parser"
	"receiptbot/internal/domain/txstore"
	"receiptbot/internal/infra/logger"

	"go.uber.org/zap"
)

// Message — сообщение источника в том объёме, который нужен конвейеру.
type Message struct {
	ChatID    int64
	ID        int64
	Text      string
	HasPDF    bool
	FileName  string
	MimeType  string
	HasOther  bool // вложение не-PDF
}

// MessageSource абстрагирует чтение сообщений и файлов из чат-сессии.
type MessageSource interface {
	// FetchMessage возвращает сообщение или ошибку; отсутствующее сообщение —
	// это ошибка, оборачивающая ErrMessageNotFound.
	FetchMessage(ctx context.Context, chatID, messageID int64) (*Message, error)
	// DownloadDocument синхронно скачивает вложение сообщения и возвращает
	// путь к локальному файлу.
	DownloadDocument(ctx context.Context, chatID, messageID int64) (string, error)
}

// Outcome — результат обработки одного сообщения.
type Outcome struct {
	Created       bool
	Duplicate     bool
	TransactionID string
	Method        string
	Confidence    float64
	Notes         string
}

// Processor выполняет шаги конвейера для одного сообщения. Потокобезопасен:
// всё состояние либо неизменяемое, либо защищено хранилищем.
type Processor struct {
	store           *txstore.Store
	orch            *parser.Orchestrator
	pdf             *parser.PDFExtractor
	mapper          *operators.Mapper
	source          MessageSource
	loc             *time.Location
	downloadTimeout time.Duration
}

// NewProcessor собирает воркер из готовых частей.
func NewProcessor(
	store *txstore.Store,
	orch *parser.Orchestrator,
	pdf *parser.PDFExtractor,
	mapper *operators.Mapper,
	source MessageSource,
	loc *time.Location,
	downloadTimeout time.Duration,
) *Processor {
	return &Processor{
		store:           store,
		orch:            orch,
		pdf:             pdf,
		mapper:          mapper,
		source:          source,
		loc:             loc,
		downloadTimeout: downloadTimeout,
	}
}

// Process обрабатывает сообщение и сохраняет транзакцию.
// force пропускает проверку адреса (повторный разбор того же сообщения),
// но не проверку отпечатка: контентный дубликат не вставляется никогда.
func (p *Processor) Process(ctx context.Context, chatID, messageID int64, force bool) (*Outcome, error) {
	if !force {
		existing, err := p.store.FindTransactionByAddress(ctx, chatID, messageID)
		if err == nil {
			return &Outcome{
				Duplicate:     true,
				TransactionID: existing.ID,
				Method:        existing.ParsingMethod,
				Notes:         "already processed",
			}, nil
		}
		if !errors.Is(err, txstore.ErrTransactionNotFound) {
			return nil, err
		}
	}

	msg, err := p.source.FetchMessage(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}

	receipt, rawText, notes, err := p.parseMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	// Резолвинг оператора; приоритет признака P2P: словарь/модель → парсер →
	// эвристика по подстроке.
	var application string
	isP2P := strings.Contains(strings.ToUpper(receipt.Operator), "P2P")
	if receipt.IsP2P != nil {
		isP2P = *receipt.IsP2P
	}
	if receipt.Operator != "" {
		res := p.mapper.Resolve(ctx, receipt.Operator, rawText)
		application = res.Application
		if res.Method != operators.MethodHeuristic && res.IsP2P != nil {
			isP2P = *res.IsP2P
		}
	}

	date := receipt.Date.In(p.loc)
	amount := receipt.Amount.Abs()
	if receipt.Type == parser.TypeDebit {
		amount = amount.Neg()
	}
	fp := Fingerprint(receipt.Amount, date, receipt.CardLast4)

	if existing, fpErr := p.store.FindTransactionByFingerprint(ctx, fp); fpErr == nil {
		return &Outcome{
			Duplicate:     true,
			TransactionID: existing.ID,
			Method:        existing.ParsingMethod,
			Notes:         "content duplicate",
		}, nil
	} else if !errors.Is(fpErr, txstore.ErrTransactionNotFound) {
		return nil, fpErr
	}

	tx := &txstore.Transaction{
		RawMessage:      rawText,
		SourceType:      txstore.SourceAuto,
		SourceChatID:    chatID,
		SourceMessageID: messageID,
		Date:            date,
		Amount:          amount,
		Currency:        receipt.Currency,
		CardLast4:       receipt.CardLast4,
		OperatorRaw:     receipt.Operator,
		Application:     application,
		Type:            receipt.Type,
		BalanceAfter:    receipt.BalanceAfter,
		ReceiverName:    receipt.ReceiverName,
		ReceiverCard:    receipt.ReceiverCard,
		ParsingMethod:   receipt.Method,
		Confidence:      receipt.Confidence,
		IsGPTParsed:     receipt.Method == parser.MethodGPT || receipt.Method == parser.MethodGPTVision,
		IsP2P:           isP2P,
		Fingerprint:     fp,
	}
	result, err := p.store.InsertTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}

	logger.Info("receipt processed",
		zap.Int64("chat_id", chatID),
		zap.Int64("message_id", messageID),
		zap.String("method", receipt.Method),
		zap.Bool("created", result.Created))

	return &Outcome{
		Created:       result.Created,
		Duplicate:     !result.Created,
		TransactionID: result.ID,
		Method:        receipt.Method,
		Confidence:    receipt.Confidence,
		Notes:         notes,
	}, nil
}

// ProcessQueued ведёт задачу через статусы и двигает курсор монитора.
// Курсор продвигается на успехе и на постоянной ошибке; временная ошибка
// оставляет курсор на месте, и catch-up вернётся к сообщению сам.
func (p *Processor) ProcessQueued(ctx context.Context, task *txstore.Task) {
	if err := p.store.MarkTaskProcessing(ctx, task.ID); err != nil {
		logger.Warn("task status update failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	outcome, err := p.Process(ctx, task.ChatID, task.MessageID, false)
	if err != nil {
		permanent := IsPermanent(err)
		logger.Warn("receipt processing failed",
			zap.Int64("chat_id", task.ChatID),
			zap.Int64("message_id", task.MessageID),
			zap.Bool("permanent", permanent),
			zap.Error(err))

		if markErr := p.store.MarkTaskFailed(ctx, task.ID, err.Error()); markErr != nil {
			logger.Warn("task status update failed", zap.String("task_id", task.ID), zap.Error(markErr))
		}
		if setErr := p.store.SetMonitorError(ctx, task.ChatID, err.Error()); setErr != nil &&
			!errors.Is(setErr, txstore.ErrMonitorNotFound) {
			logger.Warn("monitor error update failed", zap.Int64("chat_id", task.ChatID), zap.Error(setErr))
		}
		if permanent {
			p.advanceCursor(ctx, task.ChatID, task.MessageID)
		}
		return
	}

	if markErr := p.store.MarkTaskDone(ctx, task.ID, outcome.TransactionID); markErr != nil {
		logger.Warn("task status update failed", zap.String("task_id", task.ID), zap.Error(markErr))
	}
	if setErr := p.store.SetMonitorError(ctx, task.ChatID, ""); setErr != nil &&
		!errors.Is(setErr, txstore.ErrMonitorNotFound) {
		logger.Warn("monitor error update failed", zap.Int64("chat_id", task.ChatID), zap.Error(setErr))
	}
	p.advanceCursor(ctx, task.ChatID, task.MessageID)
}

func (p *Processor) advanceCursor(ctx context.Context, chatID, messageID int64) {
	if err := p.store.AdvanceCursor(ctx, chatID, messageID); err != nil {
		logger.Warn("cursor advance failed",
			zap.Int64("chat_id", chatID), zap.Int64("message_id", messageID), zap.Error(err))
	}
}

// parseMessage выбирает путь разбора по содержимому: текст напрямую в каскад,
// PDF — через извлечение текста с vision-фоллбеком.
func (p *Processor) parseMessage(ctx context.Context, msg *Message) (*parser.Receipt, string, string, error) {
	if msg.HasOther {
		return nil, "", "", fmt.Errorf("%w: %s", ErrUnsupportedDocument, msg.MimeType)
	}
	if !msg.HasPDF {
		r, err := p.orch.Process(ctx, msg.Text)
		if err != nil {
			return nil, "", "", err
		}
		return r, msg.Text, "", nil
	}
	return p.parsePDF(ctx, msg)
}

// parsePDF — ветка PDF-вложения: скачать, достать текст каскадом, при нехватке
// текста или неудаче текстового разбора отрендерить страницы для vision-модели.
func (p *Processor) parsePDF(ctx context.Context, msg *Message) (*parser.Receipt, string, string, error) {
	dlCtx, cancel := context.WithTimeout(ctx, p.downloadTimeout)
	defer cancel()
	path, err := p.source.DownloadDocument(dlCtx, msg.ChatID, msg.ID)
	if err != nil {
		return nil, "", "", fmt.Errorf("download pdf: %w", err)
	}

	caption := strings.TrimSpace(msg.Text)
	text, stage := p.pdf.ExtractText(path)
	var notes string

	rawText := caption
	if text != "" {
		if rawText != "" {
			rawText = rawText + "\n\n" + text
		} else {
			rawText = text
		}
	}

	if text != "" {
		r, parseErr := p.orch.Process(ctx, rawText)
		if parseErr == nil {
			if stage == "ocr" {
				notes = "text extracted via OCR"
			}
			return r, rawText, notes, nil
		}
		notes = "text parse failed, trying vision"
		logger.Debug("pdf text parse failed, falling back to vision",
			zap.Int64("chat_id", msg.ChatID), zap.Int64("message_id", msg.ID),
			zap.String("stage", stage), zap.Error(parseErr))
	}

	gpt := p.orch.GPT()
	if !gpt.Enabled() {
		return nil, "", "", ErrVisionUnavailable
	}
	images, err := p.pdf.RenderPages(path)
	if err != nil {
		return nil, "", "", fmt.Errorf("render pdf: %w", err)
	}
	hint := caption
	if hint == "" {
		hint = text
	}
	r, err := gpt.ParseImages(ctx, images, hint)
	if err != nil {
		return nil, "", "", fmt.Errorf("cannot parse receipt from pdf images: %w", err)
	}
	if rawText == "" {
		rawText = "[vision parsed PDF]"
	}
	r, err = p.orch.PostValidate(r, rawText)
	if err != nil {
		return nil, "", "", err
	}
	return r, rawText, notes, nil
}
