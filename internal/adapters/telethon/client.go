// Client — клиент дочернего telethon-процесса. Поднимает процесс с аргументами
// (api_id, api_hash, session_path), забирает его stdin/stdout, наследует stderr.
// Отдельная горутина-читатель разбирает каждую строку stdout как JSON: кадры с
// полем id складываются в карту ожидающих ответов, кадры с полем event — в
// потокобезопасный буфер событий.
//
// Конкурентность: запись в stdin сериализуется мьютексом, чтобы кадры не
// перемешивались на проводе; чтение ответов идёт поллингом карты (25 мс) с
// таймаутом; все блокировки освобождаемы при мёртвом дочернем процессе.

package telethon

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"qmanager/internal/infra/logger"
)

const (
	// responsePollInterval — период опроса карты ожидающих ответов.
	responsePollInterval = 25 * time.Millisecond
	// defaultRequestTimeout — таймаут одного запроса по умолчанию.
	defaultRequestTimeout = 15 * time.Second
	// readerBufferLimit — максимальная длина одной строки stdout (защита Scanner).
	readerBufferLimit = 4 << 20
)

// ErrRequestTimeout возвращается, когда ответ не пришёл за отведённое время.
// Запоздавший ответ не доставляется; его запись в карте вычищается best-effort.
var ErrRequestTimeout = errors.New("telethon: request timeout")

// ErrClientClosed возвращается при запросе через уже остановленный клиент.
var ErrClientClosed = errors.New("telethon: client closed")

// Option настраивает клиент при создании.
type Option func(*Client)

// WithRequestTimeout переопределяет таймаут запросов.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client — хэндл одного дочернего процесса. Безопасен для конкурентного
// использования; копировать по значению нельзя.
type Client struct {
	cmd   *exec.Cmd // nil в тестах, когда клиент собран поверх пайпов
	stdin io.WriteCloser

	writeMu sync.Mutex // сериализует кадры на stdin

	pendingMu sync.Mutex
	pending   map[string]*Response

	eventsMu sync.Mutex
	events   []Event

	timeout time.Duration

	closeMu sync.Mutex
	closed  bool
}

// Spawn запускает дочерний процесс и начинает читать его stdout.
// stderr наследуется, чтобы диагностика воркера была видна в общем журнале.
func Spawn(bin string, apiID int64, apiHash, sessionPath string, opts ...Option) (*Client, error) {
	cmd := exec.Command(bin, strconv.FormatInt(apiID, 10), apiHash, sessionPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "telethon: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "telethon: stdout pipe")
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "telethon: spawn worker")
	}

	c := newClient(stdin, stdout, opts...)
	c.cmd = cmd
	return c, nil
}

// newClient собирает клиент поверх готовых потоков и запускает читателя.
// Используется Spawn и тестами (пайпы вместо реального процесса).
func newClient(stdin io.WriteCloser, stdout io.Reader, opts ...Option) *Client {
	c := &Client{
		stdin:   stdin,
		pending: make(map[string]*Response),
		timeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop(stdout)
	return c
}

// readLoop разбирает stdout построчно до EOF (смерть процесса или закрытие пайпа).
func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), readerBufferLimit)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != "" {
			c.pendingMu.Lock()
			c.pending[resp.ID] = &resp
			c.pendingMu.Unlock()
			continue
		}

		var wrapper struct {
			Event *Event `json:"event"`
		}
		if err := json.Unmarshal(line, &wrapper); err == nil && wrapper.Event != nil {
			c.eventsMu.Lock()
			c.events = append(c.events, *wrapper.Event)
			c.eventsMu.Unlock()
			continue
		}

		logger.Debugf("telethon: unparsed worker line: %.120s", string(line))
	}
}

// Request отправляет команду и ждёт ответ с тем же id. Ожидание прерывается
// отменой контекста или таймаутом клиента. Запоздавший ответ не доставляется.
func (c *Client) Request(ctx context.Context, command string, payload any) (*Response, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	requestID := "req_" + uuid.NewString()
	frame, err := json.Marshal(Request{ID: requestID, Command: command, Payload: payload})
	if err != nil {
		return nil, errors.Wrap(err, "telethon: marshal request")
	}

	c.writeMu.Lock()
	_, werr := c.stdin.Write(append(frame, '\n'))
	c.writeMu.Unlock()
	if werr != nil {
		return nil, errors.Wrap(werr, "telethon: write request")
	}

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(responsePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.forgetPending(requestID)
			return nil, ctx.Err()
		case <-deadline.C:
			c.forgetPending(requestID)
			return nil, errors.Wrapf(ErrRequestTimeout, "command %s", command)
		case <-ticker.C:
			c.pendingMu.Lock()
			resp, ok := c.pending[requestID]
			if ok {
				delete(c.pending, requestID)
			}
			c.pendingMu.Unlock()
			if ok {
				return resp, nil
			}
		}
	}
}

// PollEvents атомарно забирает накопленные события в порядке поступления.
func (c *Client) PollEvents() []Event {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	drained := c.events
	c.events = nil
	return drained
}

// Shutdown best-effort отправляет команду shutdown и убивает процесс.
// Повторные вызовы безопасны.
func (c *Client) Shutdown() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()

	// Короткое окно на корректное завершение; ответ не обязателен.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	requestID := "req_" + uuid.NewString()
	if frame, err := json.Marshal(Request{ID: requestID, Command: CommandShutdown, Payload: nil}); err == nil {
		c.writeMu.Lock()
		_, _ = c.stdin.Write(append(frame, '\n'))
		c.writeMu.Unlock()
		c.awaitPending(ctx, requestID)
	}
	cancel()

	_ = c.stdin.Close()
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
}

// awaitPending коротко ждёт ответ на указанный id без доставки наружу.
func (c *Client) awaitPending(ctx context.Context, requestID string) {
	ticker := time.NewTicker(responsePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.forgetPending(requestID)
			return
		case <-ticker.C:
			c.pendingMu.Lock()
			_, ok := c.pending[requestID]
			if ok {
				delete(c.pending, requestID)
			}
			c.pendingMu.Unlock()
			if ok {
				return
			}
		}
	}
}

func (c *Client) forgetPending(requestID string) {
	c.pendingMu.Lock()
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
}

func (c *Client) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}
