// WaitExtractor для серверных пауз telethon-провода. Распознаёт коды
// FLOOD_WAIT и SLOWMODE_WAIT в WireError и переводит их поле seconds в
// длительность ожидания. Регистрируется в троттлере исходящих команд воркера.

package telethon

import (
	"errors"
	"time"
)

// ExtractWait сообщает, требует ли ошибка провода серверной паузы, и какой.
// Ответ без поля seconds трактуется как минимальная пауза в одну секунду.
// Сигнатура совместима с throttle.WaitExtractor.
func ExtractWait(err error) (time.Duration, bool) {
	var we WireError
	if !errors.As(err, &we) {
		return 0, false
	}
	switch we.Code {
	case CodeFloodWait, CodeSlowmodeWait:
		seconds := we.Seconds
		if seconds <= 0 {
			seconds = 1
		}
		return time.Duration(seconds) * time.Second, true
	default:
		return 0, false
	}
}
