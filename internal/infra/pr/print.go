// Package pr — унифицированный вывод для интерактивной консоли супервизора.
// Поднимает readline с отменяемым stdin, отдаёт его буферы как целевые потоки
// (туда же перенаправляется zap) и предоставляет функции печати для обычного
// и диагностического вывода. Мьютекс защищает только замену writer'ов; сами
// записи сериализуются на стороне readline.

package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
)

var (
	// rl — активный инстанс readline; nil до Init().
	rl *readline.Instance
	// out/errOut — текущие потоки вывода. До Init() — os.Stdout/os.Stderr.
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
	mu     sync.Mutex

	// cancelableIn — stdin, закрытие которого прерывает ожидание ввода (io.EOF в readline).
	cancelableIn interface{ Close() error }
)

// Init настраивает readline и перенаправляет потоки пакета на его буферы.
// Отменяемый stdin позволяет прервать Readline() при shutdown.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	newRl, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}
	rl = newRl

	mu.Lock()
	cancelableIn = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	mu.Unlock()
	return nil
}

// InterruptReadline закрывает cancelable stdin: Readline() получает io.EOF и возвращается.
// Повторное закрытие безопасно.
func InterruptReadline() {
	if cancelableIn != nil {
		_ = cancelableIn.Close()
	}
}

// SetPrompt выставляет приглашение. No-op, если Init() не вызывался.
func SetPrompt(prompt string) {
	if rl != nil {
		rl.SetPrompt(prompt)
	}
}

// Rl возвращает текущий инстанс readline (nil до Init()).
func Rl() *readline.Instance {
	return rl
}

// Stdout возвращает текущий writer стандартного вывода.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr возвращает текущий writer ошибок.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

// Print печатает аргументы в текущий stdout.
func Print(a ...any) { _, _ = fmt.Fprint(Stdout(), a...) }

// Println печатает строку с переводом.
func Println(a ...any) { _, _ = fmt.Fprintln(Stdout(), a...) }

// Printf печатает с форматированием.
func Printf(format string, a ...any) { _, _ = fmt.Fprintf(Stdout(), format, a...) }

// Dump печатает произвольную структуру в диагностическом представлении kr/pretty.
// Используется консольной командой dump; не для горячих путей.
func Dump(a ...any) { _, _ = pretty.Fprintf(Stdout(), "%# v\n", a...) }
