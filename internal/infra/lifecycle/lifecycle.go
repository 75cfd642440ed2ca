// Package lifecycle — менеджер управляемых подсистем процесса.
// Поддерживает иерархию контекстов и явные зависимости между узлами,
// гарантируя предсказуемый порядок запуска и обратный порядок остановки.
// Используется app-слоем: хранилище → кэши → супервизор → консоль.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"qmanager/internal/infra/logger"
)

// StartFunc запускает узел. Возвращённый контекст (если не nil) становится
// родительским для дочерних узлов. Ошибка помечает узел как failed.
type StartFunc func(ctx context.Context) (context.Context, error)

// StopFunc останавливает узел. Контекст узла на момент вызова уже отменён.
type StopFunc func(ctx context.Context) error

// nodeStatus — состояние узла в жизненном цикле.
type nodeStatus int

const (
	statusRegistered nodeStatus = iota
	statusStarting
	statusRunning
	statusStopping
	statusStopped
	statusFailed
)

const rootName = "root"

type node struct {
	name   string
	parent string
	deps   []string

	start StartFunc
	stop  StopFunc

	ctx    context.Context
	cancel context.CancelFunc
	status nodeStatus
	err    error
}

// Manager управляет набором узлов. Потокобезопасен.
type Manager struct {
	mu         sync.Mutex
	nodes      map[string]*node
	startOrder []string // фактический порядок запуска для обратной остановки
}

// New создаёт менеджер с корневым узлом в состоянии Running.
// Nil-контекст заменяется на context.Background().
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{
		nodes: map[string]*node{
			rootName: {name: rootName, ctx: rootCtx, status: statusRunning},
		},
	}
}

// Register добавляет узел name. Пустой parent означает root; deps должны быть
// подняты до узла. Проверяются уникальность имени, наличие родителя и
// самозависимость.
func (m *Manager) Register(name, parent string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" || name == rootName {
		return fmt.Errorf("lifecycle: invalid node name %q", name)
	}
	if parent == "" {
		parent = rootName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[name]; exists {
		return fmt.Errorf("lifecycle: node %q already registered", name)
	}
	if _, ok := m.nodes[parent]; !ok {
		return fmt.Errorf("lifecycle: parent %q not found for node %q", parent, name)
	}

	uniqueDeps := slices.Compact(slices.Clone(deps))
	uniqueDeps = slices.DeleteFunc(uniqueDeps, func(d string) bool { return d == parent })
	if slices.Contains(uniqueDeps, name) {
		return fmt.Errorf("lifecycle: node %q cannot depend on itself", name)
	}

	m.nodes[name] = &node{
		name:   name,
		parent: parent,
		deps:   uniqueDeps,
		start:  start,
		stop:   stop,
		status: statusRegistered,
	}
	return nil
}

// StartAll поднимает все узлы с учётом зависимостей. Проход по именам
// детерминирован (сортировка), фактический порядок фиксируется в startOrder.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		if name != rootName {
			names = append(names, name)
		}
	}
	m.mu.Unlock()
	slices.Sort(names)

	var errs error
	for _, name := range names {
		if err := m.startNode(name); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	logger.Debugf("lifecycle start order: %v", m.startOrder)
	return errs
}

// startNode рекурсивно запускает узел с родителем и зависимостями.
// Повторный вход в Starting трактуется как цикл зависимостей.
func (m *Manager) startNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q not registered", name)
	}
	switch n.status {
	case statusRunning:
		m.mu.Unlock()
		return nil
	case statusStarting:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: detected cycle while starting %q", name)
	}
	n.status = statusStarting
	m.mu.Unlock()

	logger.Debugf("starting node %s", name)

	if n.parent != "" {
		if err := m.startNode(n.parent); err != nil {
			m.setFailed(name, err)
			return err
		}
	}
	for _, dep := range n.deps {
		if err := m.startNode(dep); err != nil {
			m.setFailed(name, err)
			return err
		}
	}

	parentCtx, err := m.nodeContext(n.parent)
	if err != nil {
		m.setFailed(name, err)
		return err
	}

	childCtx, cancel := context.WithCancel(parentCtx)
	finalCtx := childCtx

	if n.start != nil {
		startedCtx, startErr := n.start(childCtx)
		if startErr != nil {
			cancel()
			m.setFailed(name, startErr)
			return startErr
		}
		if startedCtx != nil && startedCtx != childCtx {
			// Узел вернул производный контекст: связываем его отмену с нашей.
			bridged, bridgedCancel := context.WithCancel(startedCtx)
			stopAfter := context.AfterFunc(childCtx, bridgedCancel)
			oldCancel := cancel
			cancel = func() {
				oldCancel()
				stopAfter()
				bridgedCancel()
			}
			finalCtx = bridged
		}
	}

	m.mu.Lock()
	n.ctx = finalCtx
	n.cancel = cancel
	n.status = statusRunning
	n.err = nil
	if !slices.Contains(m.startOrder, name) {
		m.startOrder = append(m.startOrder, name)
	}
	m.mu.Unlock()

	logger.Debugf("node %s is running", name)
	return nil
}

// nodeContext возвращает контекст узла либо ошибку, если узел не стартовал.
func (m *Manager) nodeContext(name string) (context.Context, error) {
	if name == "" {
		name = rootName
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[name]
	if !ok {
		return nil, fmt.Errorf("lifecycle: node %q not registered", name)
	}
	if n.ctx == nil {
		return nil, fmt.Errorf("lifecycle: node %q has no context", name)
	}
	return n.ctx, nil
}

// Shutdown гасит узлы в порядке, обратном фактическому старту.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	order := append([]string(nil), m.startOrder...)
	m.mu.Unlock()
	logger.Debugf("lifecycle shutdown order: %v", order)

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopNode(order[i]); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// stopNode отменяет контекст узла, зовёт StopFunc и переводит состояние.
func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists || n.status != statusRunning {
		m.mu.Unlock()
		return nil
	}
	n.status = statusStopping
	cancel := n.cancel
	stopFn := n.stop
	nodeCtx := n.ctx
	m.mu.Unlock()

	logger.Debugf("stopping node %s", name)
	if cancel != nil {
		cancel()
	}

	var err error
	if stopFn != nil {
		err = stopFn(nodeCtx)
	}

	m.mu.Lock()
	if err != nil {
		n.status = statusFailed
		n.err = err
	} else {
		n.status = statusStopped
		n.err = nil
	}
	m.mu.Unlock()

	if err != nil {
		logger.Errorf("node %s stopped with error: %v", name, err)
	} else {
		logger.Debugf("node %s stopped", name)
	}
	return err
}

func (m *Manager) setFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok {
		n.status = statusFailed
		n.err = err
	}
	logger.Errorf("failed to start node %s: %v", name, err)
}
