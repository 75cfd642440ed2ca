package store

// Account — учётная запись Telegram, управляемая супервизором. Поля *_Override
// перекрывают глобальные настройки для конкретного аккаунта.
type Account struct {
	ID                          int64
	AccountName                 string
	TelegramName                string
	Phone                       string
	UserID                      int64 // известный remote user id; 0 — не известен
	Status                      string
	LastSeenAt                  string
	APIIDOverride               int64 // 0 — не задан
	APIHashOverride             string
	JoinMaxAttemptsOverride     int // 0 — не задан
	JoinCooldownSecondsOverride int // -1 — не задан
}

// AccountCreate — параметры создания аккаунта.
type AccountCreate struct {
	AccountName                 string
	Phone                       string
	APIIDOverride               int64
	APIHashOverride             string
	JoinMaxAttemptsOverride     int
	JoinCooldownSecondsOverride int // 0 — не задан (читается обратно как -1)
}

// Settings — singleton глобальных настроек.
type Settings struct {
	APIID                      int64
	APIHash                    string
	MainBotUserID              int64
	MainBotUsername            string
	BetaBotUserID              int64
	BetaBotUsername            string
	JoinMaxAttemptsDefault     int
	JoinCooldownSecondsDefault int
	BanWarningPatternsJSON     string
}

// GroupSlot — привязка чата к аккаунту. Slot ∈ {0, 1}.
type GroupSlot struct {
	AccountID     int64
	Slot          int
	Enabled       bool
	GroupID       int64 // 0 — слот не сконфигурирован
	GroupTitle    string
	ModeratorKind string // "main" или "beta"
}

// Phase — стадия игры с приоритетом детекции.
type Phase struct {
	ID          int64
	Name        string
	DisplayName string
	Priority    int
}

// PhasePattern — текстовый паттерн, относящий сообщение к фазе.
type PhasePattern struct {
	ID       int64
	PhaseID  int64
	Pattern  string
	IsRegex  bool
	Enabled  bool
	Priority int
}

// PhasePatternWithInfo — паттерн вместе с именем и приоритетом фазы
// (форма, которую потребляет конвейер детекции).
type PhasePatternWithInfo struct {
	Pattern       PhasePattern
	PhaseName     string
	PhasePriority int
}

// Action — строка каталога действий.
type Action struct {
	ID                    int64
	Name                  string
	ButtonType            string // player_list | yes_no | fixed
	RandomFallbackEnabled bool
	IsTwoStep             bool
}

// ActionPattern — паттерн, относящий сообщение к действию. Step различает
// первый и второй промпт двухшагового действия.
type ActionPattern struct {
	ID       int64
	ActionID int64
	Pattern  string
	IsRegex  bool
	Enabled  bool
	Priority int
	Step     int
}

// TargetPair — упорядоченная пара целей двухшагового действия.
type TargetPair struct {
	TargetA string
	TargetB string
}
