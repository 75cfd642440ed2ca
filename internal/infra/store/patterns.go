package store

import "github.com/go-faster/errors"

// ListPhases возвращает каталог фаз по убыванию приоритета.
func (s *Store) ListPhases() ([]Phase, error) {
	rows, err := s.db.Query(
		`SELECT id, name, display_name, priority FROM phases ORDER BY priority DESC`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "store: list phases")
	}
	defer rows.Close()

	var out []Phase
	for rows.Next() {
		var p Phase
		if err := rows.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Priority); err != nil {
			return nil, errors.Wrap(err, "store: scan phase")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPhasePatternsWithInfo возвращает все паттерны фаз вместе с именем и
// приоритетом фазы — форма, которую грузит конвейер детекции.
func (s *Store) ListPhasePatternsWithInfo() ([]PhasePatternWithInfo, error) {
	rows, err := s.db.Query(
		`SELECT pp.id, pp.phase_id, pp.pattern, pp.is_regex, pp.enabled, pp.priority,
			ph.name, ph.priority
		 FROM phase_patterns pp
		 JOIN phases ph ON ph.id = pp.phase_id
		 ORDER BY ph.priority DESC, pp.priority DESC, pp.id`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "store: list phase patterns")
	}
	defer rows.Close()

	var out []PhasePatternWithInfo
	for rows.Next() {
		var p PhasePatternWithInfo
		if err := rows.Scan(
			&p.Pattern.ID, &p.Pattern.PhaseID, &p.Pattern.Pattern,
			&p.Pattern.IsRegex, &p.Pattern.Enabled, &p.Pattern.Priority,
			&p.PhaseName, &p.PhasePriority,
		); err != nil {
			return nil, errors.Wrap(err, "store: scan phase pattern")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePhasePattern добавляет паттерн фазы и возвращает его id.
func (s *Store) CreatePhasePattern(p PhasePattern) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO phase_patterns (phase_id, pattern, is_regex, enabled, priority)
		 VALUES (?, ?, ?, ?, ?)`,
		p.PhaseID, p.Pattern, p.IsRegex, p.Enabled, p.Priority,
	)
	if err != nil {
		return 0, errors.Wrap(err, "store: create phase pattern")
	}
	return res.LastInsertId()
}

// DeletePhasePattern удаляет паттерн фазы.
func (s *Store) DeletePhasePattern(id int64) error {
	_, err := s.db.Exec(`DELETE FROM phase_patterns WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "store: delete phase pattern")
	}
	return nil
}

// ListActions возвращает каталог действий.
func (s *Store) ListActions() ([]Action, error) {
	rows, err := s.db.Query(
		`SELECT id, name, button_type, random_fallback_enabled, is_two_step
		 FROM actions ORDER BY id`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "store: list actions")
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.Name, &a.ButtonType,
			&a.RandomFallbackEnabled, &a.IsTwoStep); err != nil {
			return nil, errors.Wrap(err, "store: scan action")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateAction добавляет действие в каталог.
func (s *Store) CreateAction(a Action) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO actions (name, button_type, random_fallback_enabled, is_two_step)
		 VALUES (?, ?, ?, ?)`,
		a.Name, a.ButtonType, a.RandomFallbackEnabled, a.IsTwoStep,
	)
	if err != nil {
		return 0, errors.Wrap(err, "store: create action")
	}
	return res.LastInsertId()
}

// DeleteAction удаляет действие; паттерны и правила каскадируются.
func (s *Store) DeleteAction(actionID int64) error {
	_, err := s.db.Exec(`DELETE FROM actions WHERE id = ?`, actionID)
	if err != nil {
		return errors.Wrap(err, "store: delete action")
	}
	return nil
}

// ListActionPatterns возвращает все паттерны действий.
func (s *Store) ListActionPatterns() ([]ActionPattern, error) {
	rows, err := s.db.Query(
		`SELECT id, action_id, pattern, is_regex, enabled, priority, step
		 FROM action_patterns ORDER BY priority DESC, id`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "store: list action patterns")
	}
	defer rows.Close()

	var out []ActionPattern
	for rows.Next() {
		var p ActionPattern
		if err := rows.Scan(&p.ID, &p.ActionID, &p.Pattern, &p.IsRegex,
			&p.Enabled, &p.Priority, &p.Step); err != nil {
			return nil, errors.Wrap(err, "store: scan action pattern")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateActionPattern добавляет паттерн действия и возвращает его id.
func (s *Store) CreateActionPattern(p ActionPattern) (int64, error) {
	if p.Step != 1 && p.Step != 2 {
		return 0, errors.Errorf("store: pattern step %d out of range", p.Step)
	}
	res, err := s.db.Exec(
		`INSERT INTO action_patterns (action_id, pattern, is_regex, enabled, priority, step)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ActionID, p.Pattern, p.IsRegex, p.Enabled, p.Priority, p.Step,
	)
	if err != nil {
		return 0, errors.Wrap(err, "store: create action pattern")
	}
	return res.LastInsertId()
}

// DeleteActionPattern удаляет паттерн действия.
func (s *Store) DeleteActionPattern(id int64) error {
	_, err := s.db.Exec(`DELETE FROM action_patterns WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "store: delete action pattern")
	}
	return nil
}
