package sink

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"imu-svr/internal/codec"
)

// Header es la primera fila de cada CSV de dispositivo.
var Header = []string{"block_seq", "ax", "ay", "az", "gx", "gy", "gz"}

const defaultBufferSize = 64 * 1024

type Options struct {
	BufferSize  int
	SyncOnFlush bool
}

// DeviceSink es el CSV de un dispositivo dentro de la sesión actual.
// No es seguro para uso concurrente: lo maneja sólo el loop del receptor.
type DeviceSink struct {
	path string
	file *os.File
	buf  *bufio.Writer
	csv  *csv.Writer
	sync bool
	rows uint64
	row  []string
}

// Open crea la carpeta si no existe y abre el CSV en modo append. La
// cabecera se escribe sólo si el archivo está vacío.
func Open(path string, opts Options) (*DeviceSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sink mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sink stat %s: %w", path, err)
	}

	size := opts.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	bw := bufio.NewWriterSize(f, size)
	s := &DeviceSink{
		path: path,
		file: f,
		buf:  bw,
		csv:  csv.NewWriter(bw),
		sync: opts.SyncOnFlush,
		row:  make([]string, len(Header)),
	}

	if info.Size() == 0 {
		if err := s.csv.Write(Header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("sink write header %s: %w", path, err)
		}
	}
	return s, nil
}

func (s *DeviceSink) Path() string { return s.path }

// Rows devuelve las filas de datos escritas desde Open (sin cabecera).
func (s *DeviceSink) Rows() uint64 { return s.rows }

// WriteBlock agrega una fila por muestra, todas con el block_seq del bloque.
func (s *DeviceSink) WriteBlock(b codec.Block) error {
	seq := strconv.FormatUint(uint64(b.Seq), 10)
	for _, m := range b.Samples {
		s.row[0] = seq
		s.row[1] = strconv.Itoa(int(m.Ax))
		s.row[2] = strconv.Itoa(int(m.Ay))
		s.row[3] = strconv.Itoa(int(m.Az))
		s.row[4] = strconv.Itoa(int(m.Gx))
		s.row[5] = strconv.Itoa(int(m.Gy))
		s.row[6] = strconv.Itoa(int(m.Gz))
		if err := s.csv.Write(s.row); err != nil {
			return fmt.Errorf("sink write %s: %w", s.path, err)
		}
		s.rows++
	}
	return nil
}

// Flush empuja el buffer al sistema operativo (y a disco si SyncOnFlush).
func (s *DeviceSink) Flush() error {
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return fmt.Errorf("sink flush %s: %w", s.path, err)
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("sink flush %s: %w", s.path, err)
	}
	if s.sync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("sink sync %s: %w", s.path, err)
		}
	}
	return nil
}

// Close hace Flush y cierra el archivo. Siempre intenta cerrar, aunque el
// flush falle.
func (s *DeviceSink) Close() error {
	ferr := s.Flush()
	cerr := s.file.Close()
	if ferr != nil {
		return ferr
	}
	if cerr != nil {
		return fmt.Errorf("sink close %s: %w", s.path, cerr)
	}
	return nil
}
