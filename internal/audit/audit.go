// Package audit revisa capturas ya grabadas: busca bloques de relleno
// (K filas en cero bajo un mismo block_seq) y compara la cantidad de filas
// entre dispositivos de una misma sesión.
package audit

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"imu-svr/internal/layout"
)

// ZeroBlock es un bloque que parece relleno sintético por pérdida.
type ZeroBlock struct {
	Seq  int64 `json:"seq"`
	Rows int   `json:"rows"`
}

type DeviceReport struct {
	Device     string      `json:"device"`
	File       string      `json:"file"`
	Rows       int         `json:"rows"`
	ZeroBlocks []ZeroBlock `json:"zero_blocks,omitempty"`
}

type SessionReport struct {
	Index   int            `json:"index"`
	Path    string         `json:"path"`
	Devices []DeviceReport `json:"devices"`
	// diferencia de filas entre el dispositivo con más y el con menos
	RowSpread int `json:"row_spread"`
}

// Umbrales de diferencia de filas entre dispositivos.
const (
	SpreadWarn     = 100
	SpreadCritical = 200
)

func (r SessionReport) SpreadLevel() string {
	switch {
	case r.RowSpread > SpreadCritical:
		return "critical"
	case r.RowSpread > SpreadWarn:
		return "warn"
	default:
		return ""
	}
}

// AuditSession revisa cada subcarpeta <disp>N/<disp>N.csv de la sesión.
func AuditSession(s layout.SessionDir, k int) (SessionReport, error) {
	rep := SessionReport{Index: s.Index, Path: s.Path}
	entries, err := os.ReadDir(s.Path)
	if err != nil {
		return rep, fmt.Errorf("read %s: %w", s.Path, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, ok := layout.TrimIndex(e.Name(), s.Index)
		if !ok {
			continue
		}
		file := filepath.Join(s.Path, e.Name(), e.Name()+layout.CSVExt)
		res, err := ScanFile(file, k)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return rep, err
		}
		rep.Devices = append(rep.Devices, DeviceReport{
			Device:     name,
			File:       file,
			Rows:       res.Rows,
			ZeroBlocks: res.ZeroBlocks,
		})
	}

	if len(rep.Devices) > 0 {
		lo, hi := rep.Devices[0].Rows, rep.Devices[0].Rows
		for _, d := range rep.Devices[1:] {
			lo = min(lo, d.Rows)
			hi = max(hi, d.Rows)
		}
		rep.RowSpread = hi - lo
	}
	return rep, nil
}

type ScanResult struct {
	Rows       int
	ZeroBlocks []ZeroBlock
}

// ScanFile recorre un CSV de dispositivo. Un bloque cuenta como relleno si
// tiene exactamente k filas y todos los ejes en cero.
func ScanFile(path string, k int) (ScanResult, error) {
	var res ScanResult
	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	var (
		cur     int64
		inBlock bool
		rows    int
		nonZero bool
	)
	closeBlock := func() {
		if inBlock && !nonZero && rows == k {
			res.ZeroBlocks = append(res.ZeroBlocks, ZeroBlock{Seq: cur, Rows: rows})
		}
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("scan %s: %w", path, err)
		}
		if len(rec) == 0 {
			continue
		}
		seq, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			// cabecera o fila basura
			continue
		}
		res.Rows++
		zero := allZero(rec[1:])

		if inBlock && seq == cur {
			rows++
			nonZero = nonZero || !zero
			continue
		}
		closeBlock()
		cur, inBlock, rows, nonZero = seq, true, 1, !zero
	}
	closeBlock()
	return res, nil
}

func allZero(vals []string) bool {
	if len(vals) > 6 {
		vals = vals[:6]
	}
	for _, v := range vals {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			if n != 0 {
				return false
			}
			continue
		}
		if x, err := strconv.ParseFloat(v, 64); err != nil || x != 0 {
			return false
		}
	}
	return true
}
