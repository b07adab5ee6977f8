package spreadsheetapi

import (
	"fmt"
	"sync"

	"github.com/apex-build/sheetext-host/internal/extensions/a1"
)

type sheet struct {
	name   string
	values map[[2]int]interface{}
}

// MemorySpreadsheet is a minimal in-process SpreadsheetApi, sufficient for
// exercising the ApiDispatcher in tests and the demo entrypoint without a
// real spreadsheet engine attached.
type MemorySpreadsheet struct {
	mu     sync.Mutex
	sheets map[string]*sheet
	order  []string
	active string

	onSheetActivated    []func(string)
	onSelectionChanged  []func(Range)
	onCellChanged       []func(string, int, int, interface{})
	selection           Range
}

// NewMemorySpreadsheet returns a MemorySpreadsheet seeded with a single
// "Sheet1", matching what a freshly created workbook looks like.
func NewMemorySpreadsheet() *MemorySpreadsheet {
	m := &MemorySpreadsheet{sheets: map[string]*sheet{}}
	_ = m.CreateSheet("Sheet1")
	_ = m.ActivateSheet("Sheet1")
	return m
}

func (m *MemorySpreadsheet) GetActiveSheet() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, nil
}

func (m *MemorySpreadsheet) ListSheets() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (m *MemorySpreadsheet) GetSheet(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sheets[name]; !ok {
		return "", fmt.Errorf("spreadsheetapi: no such sheet %q", name)
	}
	return name, nil
}

func (m *MemorySpreadsheet) CreateSheet(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sheets[name]; ok {
		return fmt.Errorf("spreadsheetapi: sheet %q already exists", name)
	}
	m.sheets[name] = &sheet{name: name, values: map[[2]int]interface{}{}}
	m.order = append(m.order, name)
	return nil
}

func (m *MemorySpreadsheet) RenameSheet(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[from]
	if !ok {
		return fmt.Errorf("spreadsheetapi: no such sheet %q", from)
	}
	if _, exists := m.sheets[to]; exists {
		return fmt.Errorf("spreadsheetapi: sheet %q already exists", to)
	}
	s.name = to
	delete(m.sheets, from)
	m.sheets[to] = s
	for i, name := range m.order {
		if name == from {
			m.order[i] = to
		}
	}
	if m.active == from {
		m.active = to
	}
	return nil
}

func (m *MemorySpreadsheet) DeleteSheet(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sheets[name]; !ok {
		return fmt.Errorf("spreadsheetapi: no such sheet %q", name)
	}
	delete(m.sheets, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.active == name && len(m.order) > 0 {
		m.active = m.order[0]
	}
	return nil
}

func (m *MemorySpreadsheet) ActivateSheet(name string) error {
	m.mu.Lock()
	if _, ok := m.sheets[name]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("spreadsheetapi: no such sheet %q", name)
	}
	m.active = name
	listeners := append([]func(string){}, m.onSheetActivated...)
	m.mu.Unlock()

	go func() {
		for _, cb := range listeners {
			if cb != nil {
				cb(name)
			}
		}
	}()
	return nil
}

func (m *MemorySpreadsheet) OnSheetActivated(cb func(name string)) Disposer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSheetActivated = append(m.onSheetActivated, cb)
	idx := len(m.onSheetActivated) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.onSheetActivated) {
			m.onSheetActivated[idx] = nil
		}
	}
}

func (m *MemorySpreadsheet) GetSelection() (Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selection, nil
}

func (m *MemorySpreadsheet) SetSelection(r Range) error {
	m.mu.Lock()
	m.selection = r
	listeners := append([]func(Range){}, m.onSelectionChanged...)
	m.mu.Unlock()

	go func() {
		for _, cb := range listeners {
			if cb != nil {
				cb(r)
			}
		}
	}()
	return nil
}

func (m *MemorySpreadsheet) OnSelectionChanged(cb func(r Range)) Disposer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSelectionChanged = append(m.onSelectionChanged, cb)
	idx := len(m.onSelectionChanged) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.onSelectionChanged) {
			m.onSelectionChanged[idx] = nil
		}
	}
}

func (m *MemorySpreadsheet) GetCell(sheetName string, row, col int) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[sheetName]
	if !ok {
		return nil, fmt.Errorf("spreadsheetapi: no such sheet %q", sheetName)
	}
	return s.values[[2]int{row, col}], nil
}

func (m *MemorySpreadsheet) SetCell(sheetName string, row, col int, value interface{}) error {
	m.mu.Lock()
	s, ok := m.sheets[sheetName]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("spreadsheetapi: no such sheet %q", sheetName)
	}
	s.values[[2]int{row, col}] = value
	listeners := append([]func(string, int, int, interface{}){}, m.onCellChanged...)
	m.mu.Unlock()

	go func() {
		for _, cb := range listeners {
			if cb != nil {
				cb(sheetName, row, col, value)
			}
		}
	}()
	return nil
}

func (m *MemorySpreadsheet) OnCellChanged(cb func(sheet string, row, col int, value interface{})) Disposer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCellChanged = append(m.onCellChanged, cb)
	idx := len(m.onCellChanged) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.onCellChanged) {
			m.onCellChanged[idx] = nil
		}
	}
}

func (m *MemorySpreadsheet) GetRange(ref string) (Range, error) {
	parsed, err := a1.Parse(ref)
	if err != nil {
		return Range{}, err
	}
	sheetName := parsed.Sheet
	if sheetName == "" {
		sheetName, _ = m.GetActiveSheet()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[sheetName]
	if !ok {
		return Range{}, fmt.Errorf("spreadsheetapi: no such sheet %q", sheetName)
	}

	rows := parsed.End.Row - parsed.Start.Row + 1
	cols := parsed.End.Col - parsed.Start.Col + 1
	values := make([][]interface{}, rows)
	for r := 0; r < rows; r++ {
		values[r] = make([]interface{}, cols)
		for c := 0; c < cols; c++ {
			values[r][c] = s.values[[2]int{parsed.Start.Row + r, parsed.Start.Col + c}]
		}
	}
	return Range{
		Sheet: sheetName, StartRow: parsed.Start.Row, StartCol: parsed.Start.Col,
		EndRow: parsed.End.Row, EndCol: parsed.End.Col, Values: values,
	}, nil
}

func (m *MemorySpreadsheet) SetRange(ref string, values [][]interface{}) error {
	parsed, err := a1.Parse(ref)
	if err != nil {
		return err
	}
	sheetName := parsed.Sheet
	if sheetName == "" {
		sheetName, _ = m.GetActiveSheet()
	}

	m.mu.Lock()
	s, ok := m.sheets[sheetName]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("spreadsheetapi: no such sheet %q", sheetName)
	}
	for r, row := range values {
		for c, v := range row {
			s.values[[2]int{parsed.Start.Row + r, parsed.Start.Col + c}] = v
		}
	}
	m.mu.Unlock()
	return nil
}
