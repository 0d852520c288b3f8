package session

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"imu-svr/internal/layout"
)

// Manifest resume una sesión cerrada. Se guarda como manifest.yaml en la
// raíz de la sesión; los consumidores del CSV lo ignoran.
type Manifest struct {
	Index        int           `yaml:"index"`
	Prefix       string        `yaml:"prefix"`
	Start        time.Time     `yaml:"start"`
	End          time.Time     `yaml:"end"`
	BlockSamples int           `yaml:"block_samples"`
	Devices      []DeviceEntry `yaml:"devices"`
}

type DeviceEntry struct {
	ID         uint8  `yaml:"id"`
	Name       string `yaml:"name"`
	File       string `yaml:"file"` // relativo a la raíz de la sesión
	Packets    uint64 `yaml:"packets"`
	Lost       uint64 `yaml:"lost"`
	Rows       uint64 `yaml:"rows"`
	Resets     uint64 `yaml:"resets"`
	Duplicates uint64 `yaml:"duplicates"`
	BLAKE3     string `yaml:"blake3,omitempty"`
}

// WriteManifest calcula el BLAKE3 de cada CSV y escribe root/manifest.yaml.
// Los archivos que no se pueden leer quedan sin hash.
func WriteManifest(root string, m Manifest) error {
	for i := range m.Devices {
		d := &m.Devices[i]
		sum, err := HashFile(filepath.Join(root, d.File))
		if err == nil {
			d.BLAKE3 = sum
		}
	}
	out, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("manifest marshal: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("manifest mkdir %s: %w", root, err)
	}
	path := filepath.Join(root, layout.ManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("manifest write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("manifest rename %s: %w", path, err)
	}
	return nil
}

// ReadManifest lee root/manifest.yaml.
func ReadManifest(root string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(root, layout.ManifestName))
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("manifest parse: %w", err)
	}
	return m, nil
}

// HashFile devuelve el BLAKE3 (hex) del archivo.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
