// Package layout define cómo se nombran las carpetas y archivos de captura:
//
//	<base>/<prefijo><N>/<dispositivo><N>/<dispositivo><N>.csv
//
// Las herramientas offline (auditoría, renumerado) dependen de este formato.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	CSVExt       = ".csv"
	ManifestName = "manifest.yaml"
)

// DeviceName mapea el id del dispositivo a su nombre; si no está en la
// tabla se usa "id<N>".
func DeviceName(id uint8, table map[uint8]string) string {
	if name, ok := table[id]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("id%d", id)
}

func SessionDirName(prefix string, index int) string {
	return prefix + strconv.Itoa(index)
}

func SessionRoot(base, prefix string, index int) string {
	return filepath.Join(base, SessionDirName(prefix, index))
}

func DeviceDirName(name string, index int) string {
	return name + strconv.Itoa(index)
}

// DeviceFile devuelve la ruta del CSV de un dispositivo dentro de la sesión.
func DeviceFile(base, prefix, name string, index int) string {
	dev := DeviceDirName(name, index)
	return filepath.Join(SessionRoot(base, prefix, index), dev, dev+CSVExt)
}

// ParseSessionDir devuelve N si dir tiene la forma <prefix><N>.
func ParseSessionDir(prefix, dir string) (int, bool) {
	if !strings.HasPrefix(dir, prefix) || len(dir) == len(prefix) {
		return 0, false
	}
	suffix := dir[len(prefix):]
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	return n, true
}

// TrimIndex quita el sufijo numérico de sesión de un nombre de carpeta o
// archivo de dispositivo ("pecho12" -> "pecho").
func TrimIndex(name string, index int) (string, bool) {
	suffix := strconv.Itoa(index)
	if !strings.HasSuffix(name, suffix) || len(name) == len(suffix) {
		return "", false
	}
	return strings.TrimSuffix(name, suffix), true
}

// SessionDir es una carpeta de sesión encontrada en disco.
type SessionDir struct {
	Index int
	Name  string
	Path  string
}

// FindSessions lista las carpetas <prefix>N de base ordenadas por N.
func FindSessions(base, prefix string) ([]SessionDir, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", base, err)
	}
	var out []SessionDir
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, ok := ParseSessionDir(prefix, e.Name())
		if !ok {
			continue
		}
		out = append(out, SessionDir{Index: n, Name: e.Name(), Path: filepath.Join(base, e.Name())})
	}
	slices.SortFunc(out, func(a, b SessionDir) int { return a.Index - b.Index })
	return out, nil
}
