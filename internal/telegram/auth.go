package telegram

// Машина состояний авторизации. Шаги приходят извне (телефон → код → пароль),
// менеджер хранит промежуточный phone_code_hash и метаданные отправленного
// кода. Ошибка шага не сбрасывает состояние: администратор может повторить
// ввод или запросить код заново.

import (
	"context"

	"receiptbot/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// AuthState — состояние авторизации чат-сессии.
type AuthState string

const (
	StateConnecting AuthState = "connecting"
	StateWaitPhone  AuthState = "wait_phone_number"
	StateWaitCode   AuthState = "wait_code"
	StateWaitPass   AuthState = "wait_password"
	StateReady      AuthState = "ready"
	StateClosing    AuthState = "closing"
	StateClosed     AuthState = "closed"
)

// ErrAuthStep — текущий шаг авторизации отклонён сервером (неверный код,
// неверный пароль, просроченный phone_code_hash и т.п.).
var ErrAuthStep = errors.New("auth step rejected")

// CodeMeta — метаданные отправленного кода подтверждения.
type CodeMeta struct {
	Type    string `json:"type"`
	Timeout int    `json:"timeout,omitempty"`
}

// UserInfo — краткая карточка авторизованного пользователя.
type UserInfo struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// AuthStatus — снимок машины состояний для веб-слоя.
type AuthStatus struct {
	State        AuthState `json:"state"`
	IsAuthorized bool      `json:"is_authorized"`
	Phone        string    `json:"phone,omitempty"`
	Code         *CodeMeta `json:"code,omitempty"`
	User         *UserInfo `json:"user,omitempty"`
}

// GetAuthState возвращает текущее состояние авторизации.
func (m *Manager) GetAuthState() AuthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := AuthStatus{
		State:        m.state,
		IsAuthorized: m.state == StateReady,
		Phone:        m.phone,
	}
	if m.state == StateWaitCode && m.codeMeta != nil {
		meta := *m.codeMeta
		st.Code = &meta
	}
	if m.self != nil {
		st.User = &UserInfo{
			ID:        m.self.ID,
			Username:  m.self.Username,
			FirstName: m.self.FirstName,
			LastName:  m.self.LastName,
			Phone:     m.self.Phone,
		}
	}
	return st
}

// SetPhoneNumber запрашивает у Telegram код подтверждения для номера
// и переводит машину в wait_code.
func (m *Manager) SetPhoneNumber(ctx context.Context, phone string) error {
	if _, err := m.running(); err != nil {
		return err
	}
	if phone == "" {
		return errors.Wrap(ErrAuthStep, "phone number is empty")
	}

	sent, err := m.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return errors.Wrapf(ErrAuthStep, "send code: %v", err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return errors.Wrapf(ErrAuthStep, "unexpected sent code response: %T", sent)
	}

	m.mu.Lock()
	m.phone = phone
	m.codeHash = code.PhoneCodeHash
	m.codeMeta = describeSentCode(code)
	m.state = StateWaitCode
	m.mu.Unlock()

	logger.Info("confirmation code sent", zap.String("type", m.codeMeta.Type))
	return nil
}

// CheckCode проверяет код подтверждения. Если на аккаунте включена
// двухфакторная защита, машина переходит в wait_password без ошибки.
func (m *Manager) CheckCode(ctx context.Context, code string) error {
	if _, err := m.running(); err != nil {
		return err
	}
	m.mu.Lock()
	phone, codeHash, state := m.phone, m.codeHash, m.state
	m.mu.Unlock()
	if state != StateWaitCode || codeHash == "" {
		return errors.Wrap(ErrAuthStep, "no pending confirmation code")
	}

	_, err := m.client.Auth().SignIn(ctx, phone, code, codeHash)
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		m.setState(StateWaitPass)
		logger.Info("two-factor password required")
		return nil
	}
	if err != nil {
		return errors.Wrapf(ErrAuthStep, "sign in: %v", err)
	}

	m.finishLogin(ctx)
	return nil
}

// CheckPassword завершает вход с паролем двухфакторной защиты.
func (m *Manager) CheckPassword(ctx context.Context, password string) error {
	if _, err := m.running(); err != nil {
		return err
	}
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != StateWaitPass {
		return errors.Wrap(ErrAuthStep, "password is not expected at this step")
	}

	if _, err := m.client.Auth().Password(ctx, password); err != nil {
		return errors.Wrapf(ErrAuthStep, "check password: %v", err)
	}

	m.finishLogin(ctx)
	return nil
}

// ResendCode повторно запрашивает код подтверждения, обновляя его метаданные.
func (m *Manager) ResendCode(ctx context.Context) error {
	if _, err := m.running(); err != nil {
		return err
	}
	m.mu.Lock()
	phone, codeHash, state := m.phone, m.codeHash, m.state
	m.mu.Unlock()
	if state != StateWaitCode || codeHash == "" {
		return errors.Wrap(ErrAuthStep, "no pending confirmation code")
	}

	sent, err := m.api.AuthResendCode(ctx, &tg.AuthResendCodeRequest{
		PhoneNumber:   phone,
		PhoneCodeHash: codeHash,
	})
	if err != nil {
		return errors.Wrapf(ErrAuthStep, "resend code: %v", err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return errors.Wrapf(ErrAuthStep, "unexpected resent code response: %T", sent)
	}

	m.mu.Lock()
	m.codeHash = code.PhoneCodeHash
	m.codeMeta = describeSentCode(code)
	m.mu.Unlock()

	logger.Info("confirmation code resent", zap.String("type", m.codeMeta.Type))
	return nil
}

// Logout разлогинивает аккаунт на сервере и удаляет локальный файл сессии.
// Машина возвращается в wait_phone_number.
func (m *Manager) Logout(ctx context.Context) error {
	if _, err := m.running(); err != nil {
		return err
	}

	if _, err := m.api.AuthLogOut(ctx); err != nil {
		logger.Warn("server-side logout failed", zap.Error(err))
	}
	if err := m.session.removeSession(); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = StateWaitPhone
	m.phone = ""
	m.codeHash = ""
	m.codeMeta = nil
	m.self = nil
	m.mu.Unlock()

	logger.Info("telegram session logged out")
	return nil
}

// finishLogin кэширует self, помечает сессию готовой и разблокирует Run.
func (m *Manager) finishLogin(ctx context.Context) {
	self, err := m.client.Self(ctx)
	if err != nil {
		logger.Warn("fetch self after login failed", zap.Error(err))
	}

	m.mu.Lock()
	if self != nil {
		m.self = self
		if m.phone == "" {
			m.phone = self.Phone
		}
	}
	m.codeHash = ""
	m.codeMeta = nil
	m.state = StateReady
	m.mu.Unlock()

	m.loginOnce.Do(func() { close(m.authorized) })
}

func (m *Manager) setState(s AuthState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// describeSentCode переводит тип отправленного кода в человекочитаемую метку.
func describeSentCode(code *tg.AuthSentCode) *CodeMeta {
	meta := &CodeMeta{Timeout: code.Timeout}
	switch code.Type.(type) {
	case *tg.AuthSentCodeTypeApp:
		meta.Type = "app"
	case *tg.AuthSentCodeTypeSMS:
		meta.Type = "sms"
	case *tg.AuthSentCodeTypeCall:
		meta.Type = "call"
	case *tg.AuthSentCodeTypeFlashCall:
		meta.Type = "flash_call"
	case *tg.AuthSentCodeTypeMissedCall:
		meta.Type = "missed_call"
	case *tg.AuthSentCodeTypeEmailCode:
		meta.Type = "email"
	default:
		meta.Type = "unknown"
	}
	return meta
}
