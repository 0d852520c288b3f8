// Package renumber reasigna los índices de sesión de una carpeta de
// capturas a un rango contiguo, renombrando también las carpetas y CSV de
// cada dispositivo y el índice del manifest.
package renumber

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"imu-svr/internal/layout"
	"imu-svr/internal/session"
)

type Move struct {
	Old    int
	New    int
	OldDir string
	NewDir string
}

type Plan struct {
	Base   string
	Prefix string
	Moves  []Move
}

// BuildPlan ordena las sesiones por índice y les asigna start, start+1, ...
func BuildPlan(base, prefix string, start int) (Plan, error) {
	if start < 0 {
		return Plan{}, fmt.Errorf("start must be >= 0, got %d", start)
	}
	found, err := layout.FindSessions(base, prefix)
	if err != nil {
		return Plan{}, err
	}
	p := Plan{Base: base, Prefix: prefix}
	for i, s := range found {
		n := start + i
		p.Moves = append(p.Moves, Move{
			Old:    s.Index,
			New:    n,
			OldDir: s.Path,
			NewDir: layout.SessionRoot(base, prefix, n),
		})
	}
	return p, nil
}

// Pending devuelve cuántas sesiones cambian de índice.
func (p Plan) Pending() int {
	n := 0
	for _, m := range p.Moves {
		if m.Old != m.New {
			n++
		}
	}
	return n
}

func (m Move) String() string {
	return fmt.Sprintf("%s -> %s", filepath.Base(m.OldDir), filepath.Base(m.NewDir))
}

// Apply ejecuta el plan. Las carpetas de sesión pasan primero por un nombre
// temporal, así bajar índices nunca pisa una sesión que todavía no se movió.
func Apply(p Plan, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	tmp := make(map[int]string, len(p.Moves))
	for _, m := range p.Moves {
		if m.Old == m.New {
			continue
		}
		t := filepath.Join(p.Base, ".renumber-"+strconv.Itoa(m.Old))
		if err := os.Rename(m.OldDir, t); err != nil {
			return fmt.Errorf("rename %s: %w", m.OldDir, err)
		}
		tmp[m.Old] = t
	}

	for _, m := range p.Moves {
		t, ok := tmp[m.Old]
		if !ok {
			continue
		}
		if err := renameNew(t, m.NewDir); err != nil {
			return err
		}
		logger.Info("session renamed", "from", filepath.Base(m.OldDir), "to", filepath.Base(m.NewDir))
		if err := renameDevices(m, logger); err != nil {
			return err
		}
		if err := updateManifest(m); err != nil {
			return err
		}
	}
	return nil
}

// renameDevices mueve <disp>Old/<disp>Old.csv a <disp>New/<disp>New.csv.
func renameDevices(m Move, logger *slog.Logger) error {
	entries, err := os.ReadDir(m.NewDir)
	if err != nil {
		return fmt.Errorf("read %s: %w", m.NewDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, ok := layout.TrimIndex(e.Name(), m.Old)
		if !ok {
			logger.Warn("device dir without session index, left as is", "dir", filepath.Join(m.NewDir, e.Name()))
			continue
		}
		oldDir := filepath.Join(m.NewDir, e.Name())
		newDir := filepath.Join(m.NewDir, layout.DeviceDirName(name, m.New))
		if err := renameNew(oldDir, newDir); err != nil {
			return err
		}

		oldCSV := filepath.Join(newDir, e.Name()+layout.CSVExt)
		newCSV := filepath.Join(newDir, layout.DeviceDirName(name, m.New)+layout.CSVExt)
		err := renameNew(oldCSV, newCSV)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("device csv not found", "file", oldCSV)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func updateManifest(m Move) error {
	man, err := session.ReadManifest(m.NewDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session %d: %w", m.Old, err)
	}
	man.Index = m.New
	for i := range man.Devices {
		dev := layout.DeviceDirName(man.Devices[i].Name, m.New)
		man.Devices[i].File = filepath.Join(dev, dev+layout.CSVExt)
	}
	return session.WriteManifest(m.NewDir, man)
}

// renameNew no reemplaza destinos existentes.
func renameNew(from, to string) error {
	if from == to {
		return nil
	}
	if _, err := os.Lstat(from); err != nil {
		return fmt.Errorf("rename %s: %w", from, err)
	}
	if _, err := os.Lstat(to); err == nil {
		return fmt.Errorf("rename %s: %s already exists", from, to)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s: %w", from, err)
	}
	return nil
}
