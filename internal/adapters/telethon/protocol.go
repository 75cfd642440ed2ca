// Package telethon — канал запрос/ответ/событие к дочернему telethon-процессу.
// Дочерний процесс говорит по line-delimited JSON через stdin/stdout и реализует
// протокол Telegram на нашей стороне как чёрный ящик. В этом файле — типы
// проводного формата и разбор известных кодов ошибок.
package telethon

import "encoding/json"

// Известные команды subprocess-воркера.
const (
	CommandState        = "state"
	CommandStartUpdates = "start_updates"
	CommandSendPhone    = "send_phone"
	CommandSendCode     = "send_code"
	CommandSendPassword = "send_password"
	CommandListGroups   = "list_groups"
	CommandSendMessage  = "send_message"
	CommandClickButton  = "click_button"
	CommandShutdown     = "shutdown"
)

// Известные коды ошибок в ответах.
const (
	CodeFloodWait    = "FLOOD_WAIT"
	CodeSlowmodeWait = "SLOWMODE_WAIT"
	CodeAuthRevoked  = "AUTH_REVOKED"
)

// Типы кнопок inline-клавиатуры.
const (
	ButtonKindCallback = "callback"
	ButtonKindURL      = "url"
)

// Button — кнопка inline-клавиатуры сообщения.
type Button struct {
	Text string `json:"text"`
	Kind string `json:"type"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Message — входящее (или исходящее) сообщение из события subprocess.
type Message struct {
	ID         int64      `json:"id"`
	ChatID     int64      `json:"chat_id"`
	SenderID   int64      `json:"sender_id"`
	Text       string     `json:"text"`
	IsOutgoing bool       `json:"is_outgoing"`
	Buttons    [][]Button `json:"buttons"`
}

// FlatButtons возвращает кнопки сообщения одним срезом в порядке строк.
func (m *Message) FlatButtons() []Button {
	var out []Button
	for _, row := range m.Buttons {
		out = append(out, row...)
	}
	return out
}

// Event — асинхронное событие subprocess. Kind: message, message_edited и др.
type Event struct {
	Kind    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
}

// Request — кадр запроса на stdin дочернего процесса.
type Request struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Payload any    `json:"payload"`
}

// Response — кадр ответа с stdout дочернего процесса.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WireError — разобранная ошибка из неуспешного ответа. Seconds заполнен
// для кодов «подожди N секунд». Реализует error, чтобы проходить через
// WaitExtractor'ы троттлера.
type WireError struct {
	Code    string `json:"code"`
	Seconds int    `json:"seconds"`
	Message string `json:"message"`
}

// Error возвращает код и текст ошибки провода.
func (e WireError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return e.Code + ": " + e.Message
	case e.Code != "":
		return e.Code
	case e.Message != "":
		return e.Message
	default:
		return "telethon: request failed"
	}
}

// ParseWireError извлекает структурированную ошибку из неуспешного ответа.
// Для ответа без payload код остаётся пустым, текст берётся из Error.
func ParseWireError(resp *Response) WireError {
	we := WireError{Message: resp.Error}
	if len(resp.Payload) == 0 {
		return we
	}
	var parsed WireError
	if err := json.Unmarshal(resp.Payload, &parsed); err == nil {
		if parsed.Code != "" {
			we.Code = parsed.Code
		}
		if parsed.Seconds > 0 {
			we.Seconds = parsed.Seconds
		}
		if parsed.Message != "" {
			we.Message = parsed.Message
		}
	}
	return we
}

// StatePayload — тело ответа команды state (и шагов логина).
type StatePayload struct {
	State        string `json:"state"`
	UserID       int64  `json:"user_id,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Phone        string `json:"phone,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	PasswordHint string `json:"password_hint,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Значения поля state.
const (
	StateNotStarted         = "not_started"
	StateWaitingPhoneNumber = "waiting_phone_number"
	StateWaitingCode        = "waiting_code"
	StateWaitingPassword    = "waiting_password"
	StateReady              = "ready"
	StateError              = "error"
	StateClosed             = "closed"
)

// Group — одна запись ответа list_groups.
type Group struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	GroupType   string `json:"group_type"`
	MemberCount int    `json:"member_count,omitempty"`
}

// GroupsPayload — тело ответа list_groups.
type GroupsPayload struct {
	Groups []Group `json:"groups"`
}
