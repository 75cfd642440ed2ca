// Package cli — интерактивная командная консоль супервизора.
// Сервис стартует фоном, читает команды из readline и дёргает супервизор,
// хранилище и кэш групп. Start/Stop идемпотентны и корректно встраиваются в
// жизненный цикл приложения.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/term"

	"qmanager/internal/adapters/telethon"
	"qmanager/internal/domain/checks"
	"qmanager/internal/domain/login"
	"qmanager/internal/domain/supervisor"
	"qmanager/internal/domain/worker"
	"qmanager/internal/infra/events"
	"qmanager/internal/infra/groupcache"
	"qmanager/internal/infra/logger"
	"qmanager/internal/infra/pr"
	"qmanager/internal/infra/store"
)

// commandDescriptor описывает одну команду для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр команд. Имена должны совпадать с кейсами handleCommand.
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands"},
	{name: "accounts", description: "List accounts with status tags"},
	{name: "start <id>|all", description: "Start one account or all stopped/errored"},
	{name: "stop <id>|all", description: "Stop one account or all"},
	{name: "status", description: "Show worker counts and process diagnostics"},
	{name: "reload [id]", description: "Reload detection patterns (all workers or one)"},
	{name: "checks <id>", description: "Run pre-flight checks for an account"},
	{name: "groups <id>", description: "Show cached group list for an account"},
	{name: "refresh groups <id>", description: "Fetch group list via a live session and cache it"},
	{name: "login <id>", description: "Interactive login wizard for an account"},
	{name: "dump", description: "Dump process diagnostics structures"},
	{name: "exit", description: "Stop the console and terminate the process"},
}

// Service — консоль оператора.
type Service struct {
	sup     *supervisor.Supervisor
	st      *store.Store
	checker *checks.Checker
	groups  *groupcache.Service
	spawn   worker.ClientFactory
	emitter *events.Emitter
	stopApp context.CancelFunc

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт консоль. stopApp используется командой exit.
func NewService(sup *supervisor.Supervisor, st *store.Store, checker *checks.Checker,
	groups *groupcache.Service, spawn worker.ClientFactory, emitter *events.Emitter,
	stopApp context.CancelFunc,
) *Service {
	return &Service{
		sup:     sup,
		st:      st,
		checker: checker,
		groups:  groups,
		spawn:   spawn,
		emitter: emitter,
		stopApp: stopApp,
	}
}

// Start запускает цикл чтения команд в фоновой горутине. Идемпотентен.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

// Stop прерывает чтение и дожидается завершения цикла. Идемпотентен.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		pr.InterruptReadline()
		s.wg.Wait()
	})
}

// run — цикл чтения команд до EOF или отмены контекста.
func (s *Service) run(ctx context.Context) {
	pr.Println("Q-Manager console. Type 'help' for commands.")
	for {
		if ctx.Err() != nil {
			return
		}
		pr.SetPrompt("qm> ")
		line, err := pr.Rl().Readline()
		if err != nil {
			// io.EOF после InterruptReadline либо закрытый stdin.
			if !errors.Is(err, context.Canceled) {
				logger.Debugf("cli: readline ended: %v", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !s.handleCommand(ctx, line) {
			return
		}
	}
}

// handleCommand исполняет одну команду; false завершает цикл.
func (s *Service) handleCommand(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "help":
		for _, cmd := range commandDescriptors {
			pr.Printf("  %-22s %s\n", cmd.name, cmd.description)
		}

	case "accounts":
		s.printAccounts()

	case "start":
		s.cmdStart(fields[1:])

	case "stop":
		s.cmdStop(fields[1:])

	case "status":
		total, running := s.sup.GetWorkerCounts()
		snap := checks.Snapshot(total, running)
		pr.Printf("workers: %d total, %d running; uptime %dms\n",
			snap.TotalWorkers, snap.RunningWorkers, snap.UptimeMS)

	case "reload":
		if len(fields) > 1 {
			if id, ok := parseID(fields[1]); ok {
				if err := s.sup.ReloadPatterns(id); err != nil {
					pr.Printf("reload failed: %v\n", err)
				}
			}
			break
		}
		s.sup.ReloadAllPatterns()
		pr.Println("reload requested for all running workers")

	case "checks":
		if id, ok := argID(fields[1:]); ok {
			s.printChecks(id)
		}

	case "groups":
		if id, ok := argID(fields[1:]); ok {
			s.printGroups(id)
		}

	case "refresh":
		if len(fields) >= 3 && fields[1] == "groups" {
			if id, ok := parseID(fields[2]); ok {
				s.refreshGroups(ctx, id)
			}
			break
		}
		pr.Println("usage: refresh groups <id>")

	case "login":
		if id, ok := argID(fields[1:]); ok {
			s.runLogin(ctx, id)
		}

	case "dump":
		total, running := s.sup.GetWorkerCounts()
		pr.Dump(checks.Snapshot(total, running))

	case "exit":
		pr.Println("shutting down...")
		if s.stopApp != nil {
			s.stopApp()
		}
		return false

	default:
		pr.Printf("unknown command %q; type 'help'\n", fields[0])
	}
	return true
}

func (s *Service) printAccounts() {
	accounts, err := s.st.ListAccounts()
	if err != nil {
		pr.Printf("cannot list accounts: %v\n", err)
		return
	}
	if len(accounts) == 0 {
		pr.Println("no accounts configured")
		return
	}
	for _, acc := range accounts {
		live := ""
		if s.sup.IsRunning(acc.ID) {
			live = " [live]"
		}
		pr.Printf("  %3d  %-20s %-8s%s\n", acc.ID, acc.AccountName, acc.Status, live)
	}
}

func (s *Service) cmdStart(args []string) {
	if len(args) == 1 && args[0] == "all" {
		reports, err := s.sup.StartAllWithChecks(func(a store.Account) bool {
			return a.Status == "stopped" || a.Status == "error"
		})
		if err != nil {
			pr.Printf("start all failed: %v\n", err)
			return
		}
		for _, report := range reports {
			s.printReport(report)
		}
		return
	}
	if id, ok := argID(args); ok {
		reports, err := s.sup.StartSelectedWithChecks([]int64{id})
		if err != nil {
			pr.Printf("start failed: %v\n", err)
			return
		}
		for _, report := range reports {
			s.printReport(report)
		}
	}
}

func (s *Service) printReport(report supervisor.BulkStartReport) {
	if report.Started {
		pr.Printf("  %d %s: started\n", report.AccountID, report.AccountName)
	} else {
		pr.Printf("  %d %s: NOT started\n", report.AccountID, report.AccountName)
	}
	for _, e := range report.Errors {
		kind := "warning"
		if e.IsBlocking {
			kind = "error"
		}
		pr.Printf("      %s %s: %s\n", kind, e.Code, e.Message)
	}
}

func (s *Service) cmdStop(args []string) {
	if len(args) == 1 && args[0] == "all" {
		s.sup.StopAll()
		pr.Println("all workers stopped")
		return
	}
	if id, ok := argID(args); ok {
		if err := s.sup.StopAccount(id); err != nil {
			pr.Printf("stop failed: %v\n", err)
		}
	}
}

func (s *Service) printChecks(accountID int64) {
	result := s.checker.CheckAccountCanStart(accountID)
	if result.CanProceed && len(result.Errors) == 0 {
		pr.Println("all checks passed")
		return
	}
	for _, e := range result.Errors {
		kind := "warning"
		if e.IsBlocking {
			kind = "ERROR"
		}
		pr.Printf("  %-7s %-22s %s\n", kind, e.Code, e.Message)
		if e.Details != "" {
			pr.Printf("          %s\n", e.Details)
		}
	}
}

func (s *Service) printGroups(accountID int64) {
	groups, updatedAt, err := s.groups.Get(accountID)
	if err != nil {
		pr.Printf("cannot read group cache: %v\n", err)
		return
	}
	if len(groups) == 0 {
		pr.Println("no cached groups; use 'refresh groups <id>' with a logged-in session")
		return
	}
	pr.Printf("cached at %s:\n", updatedAt)
	for _, g := range groups {
		pr.Printf("  %15d  %-30s %s\n", g.ID, g.Title, g.GroupType)
	}
}

// refreshGroups поднимает временный клиент, забирает list_groups и кладёт
// снимок в bbolt-кэш. Для живого воркера отдельная сессия не открывается.
func (s *Service) refreshGroups(ctx context.Context, accountID int64) {
	if s.sup.IsRunning(accountID) {
		pr.Println("account is running; stop it before refreshing groups")
		return
	}
	client, err := s.tempClient(accountID)
	if err != nil {
		pr.Printf("cannot open session: %v\n", err)
		return
	}
	defer client.Shutdown()

	resp, err := client.Request(ctx, telethon.CommandListGroups, map[string]any{})
	if err != nil {
		pr.Printf("list_groups failed: %v\n", err)
		return
	}
	if !resp.OK {
		pr.Printf("list_groups failed: %s\n", telethon.ParseWireError(resp).Message)
		return
	}
	var payload telethon.GroupsPayload
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		pr.Printf("malformed list_groups payload: %v\n", err)
		return
	}

	refs := make([]groupcache.GroupRef, 0, len(payload.Groups))
	for _, g := range payload.Groups {
		refs = append(refs, groupcache.GroupRef{
			ID: g.ID, Title: g.Title, GroupType: g.GroupType, MemberCount: g.MemberCount,
		})
	}
	if err := s.groups.Put(accountID, refs); err != nil {
		pr.Printf("cannot cache groups: %v\n", err)
		return
	}
	pr.Printf("cached %d groups\n", len(refs))
}

// runLogin — интерактивный мастер входа: телефон и код через readline,
// пароль 2FA — скрытым вводом.
func (s *Service) runLogin(ctx context.Context, accountID int64) {
	client, err := s.tempClient(accountID)
	if err != nil {
		pr.Printf("cannot open session: %v\n", err)
		return
	}
	defer client.Shutdown()

	session := login.NewSession(accountID, client, s.st, s.emitter)
	state, err := session.Begin(ctx)
	if err != nil {
		pr.Printf("login failed: %v\n", err)
		return
	}

	for {
		switch state.State {
		case telethon.StateReady:
			pr.Printf("logged in as %s %s (%d)\n", state.FirstName, state.LastName, state.UserID)
			return

		case telethon.StateNotStarted, telethon.StateWaitingPhoneNumber:
			phone, rerr := readLine("Phone number (E.164): ")
			if rerr != nil {
				return
			}
			state, err = session.SendPhone(ctx, phone)

		case telethon.StateWaitingCode:
			code, rerr := readLine("Code from Telegram: ")
			if rerr != nil {
				return
			}
			state, err = session.SendCode(ctx, code)

		case telethon.StateWaitingPassword:
			pr.Print("2FA password")
			if state.PasswordHint != "" {
				pr.Printf(" (hint: %s)", state.PasswordHint)
			}
			pr.Print(": ")
			passwordBytes, rerr := term.ReadPassword(syscall.Stdin)
			pr.Println()
			if rerr != nil {
				return
			}
			state, err = session.SendPassword(ctx, string(passwordBytes))

		default:
			pr.Printf("unexpected login state %q\n", state.State)
			return
		}
		if err != nil {
			pr.Printf("login failed: %v\n", err)
			return
		}
	}
}

// tempClient поднимает клиент вне супервизора для login/refresh groups.
func (s *Service) tempClient(accountID int64) (worker.Client, error) {
	account, err := s.st.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	settings, err := s.st.GetSettings()
	if err != nil {
		return nil, err
	}
	apiID := account.APIIDOverride
	if apiID == 0 {
		apiID = settings.APIID
	}
	apiHash := account.APIHashOverride
	if apiHash == "" {
		apiHash = settings.APIHash
	}
	sessionDir := s.checker.SessionDir(account)
	return s.spawn(apiID, apiHash, filepath.Join(sessionDir, "telethon.session"))
}

// readLine выводит приглашение и читает строку из общего readline.
func readLine(prompt string) (string, error) {
	pr.SetPrompt(prompt)
	line, err := pr.Rl().Readline()
	return strings.TrimSpace(line), err
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		pr.Printf("bad account id %q\n", raw)
		return 0, false
	}
	return id, true
}

func argID(args []string) (int64, bool) {
	if len(args) != 1 {
		pr.Println("expected exactly one account id")
		return 0, false
	}
	return parseID(args[0])
}
