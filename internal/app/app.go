// Package app — верхний уровень сборки супервизора.
// Здесь создаются процессные ресурсы (хранилище настроек, кэш групп, эмиттер
// событий, супервизор воркеров, консоль) и регистрируются в lifecycle-менеджере,
// который гарантирует порядок запуска и обратный порядок остановки.
package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"qmanager/internal/adapters/cli"
	"qmanager/internal/adapters/telethon"
	"qmanager/internal/domain/checks"
	"qmanager/internal/domain/supervisor"
	"qmanager/internal/domain/worker"
	"qmanager/internal/infra/config"
	"qmanager/internal/infra/events"
	"qmanager/internal/infra/groupcache"
	"qmanager/internal/infra/lifecycle"
	"qmanager/internal/infra/logger"
	"qmanager/internal/infra/store"
)

// App агрегирует подсистемы процесса и их жизненный цикл.
type App struct {
	lm      *lifecycle.Manager
	mainCtx context.Context
	stopApp context.CancelFunc

	st      *store.Store
	groups  *groupcache.Service
	emitter *events.Emitter
	sup     *supervisor.Supervisor
	console *cli.Service
}

// NewApp создаёт пустой контейнер приложения.
func NewApp() *App {
	return &App{}
}

// Init регистрирует узлы жизненного цикла. stop — внешняя отмена процесса
// (используется командой exit консоли).
func (a *App) Init(ctx context.Context, stop context.CancelFunc) error {
	a.mainCtx = ctx
	a.stopApp = stop
	a.lm = lifecycle.New(ctx)
	a.emitter = events.NewEmitter()

	env := config.Env()

	// spawn — фабрика клиентов subprocess для воркеров, логина и discovery.
	spawn := worker.ClientFactory(func(apiID int64, apiHash, sessionPath string) (worker.Client, error) {
		return telethon.Spawn(env.WorkerBin, apiID, apiHash, sessionPath,
			telethon.WithRequestTimeout(time.Duration(env.RequestTimeoutMS)*time.Millisecond))
	})

	if err := a.lm.Register("store", "", nil,
		func(context.Context) (context.Context, error) {
			st, err := store.Open(env.DBPath)
			if err != nil {
				return nil, err
			}
			a.st = st
			return nil, nil
		},
		func(context.Context) error {
			return a.st.Close()
		},
	); err != nil {
		return err
	}

	if err := a.lm.Register("groupcache", "", nil,
		func(context.Context) (context.Context, error) {
			groups, err := groupcache.Open(env.GroupsCacheFile)
			if err != nil {
				return nil, err
			}
			a.groups = groups
			return nil, nil
		},
		func(context.Context) error {
			return a.groups.Close()
		},
	); err != nil {
		return err
	}

	if err := a.lm.Register("supervisor", "", []string{"store"},
		func(nodeCtx context.Context) (context.Context, error) {
			checker := checks.New(a.st, env.WorkerBin, env.SessionsDir)
			a.sup = supervisor.New(nodeCtx, a.st, a.emitter, checker, spawn, supervisor.Options{
				StopTimeout:  time.Duration(env.StopTimeoutSec) * time.Second,
				BulkInFlight: env.BulkConcurrency,
				SendRPS:      env.SendRPS,
			})
			return nil, nil
		},
		func(context.Context) error {
			a.sup.StopAll()
			return nil
		},
	); err != nil {
		return err
	}

	if err := a.lm.Register("console", "", []string{"store", "groupcache", "supervisor"},
		func(nodeCtx context.Context) (context.Context, error) {
			checker := checks.New(a.st, env.WorkerBin, env.SessionsDir)
			a.console = cli.NewService(a.sup, a.st, checker, a.groups, spawn, a.emitter, a.stopApp)
			a.console.Start(nodeCtx)
			return nil, nil
		},
		func(context.Context) error {
			a.console.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	return nil
}

// Run поднимает узлы, блокируется до отмены контекста процесса и гасит всё
// в обратном порядке.
func (a *App) Run() error {
	if err := a.lm.StartAll(); err != nil {
		// Частично поднятые узлы нужно погасить перед возвратом.
		_ = a.lm.Shutdown()
		return errors.Wrap(err, "app: start")
	}
	logger.Info("Q-Manager supervisor running")

	<-a.mainCtx.Done()
	logger.Info("shutdown signal received")

	if err := a.lm.Shutdown(); err != nil {
		return errors.Wrap(err, "app: shutdown")
	}
	return nil
}
