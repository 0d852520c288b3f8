// audit revisa las sesiones grabadas: bloques de relleno por pérdida y
// diferencia de filas entre dispositivos.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"imu-svr/internal/audit"
	"imu-svr/internal/layout"
	"imu-svr/internal/observability"
)

func main() {
	base := pflag.StringP("base-dir", "b", ".", "carpeta con las sesiones")
	prefix := pflag.StringP("prefix", "p", "imu_capturas", "prefijo de las carpetas de sesión")
	k := pflag.IntP("block-samples", "k", 21, "filas por bloque")
	asJSON := pflag.Bool("json", false, "imprimir el reporte como JSON")
	pflag.Parse()

	logger := observability.NewLogger("info")

	reports, err := auditAll(*base, *prefix, *k)
	if err != nil {
		logger.Error("audit failed", "error", err)
		os.Exit(1)
	}
	if len(reports) == 0 {
		logger.Warn("no sessions found", "base_dir", *base, "prefix", *prefix)
		return
	}

	if *asJSON {
		err = writeJSON(os.Stdout, reports)
	} else {
		err = writeText(os.Stdout, reports)
	}
	if err != nil {
		logger.Error("write report failed", "error", err)
		os.Exit(1)
	}
	if flagged(reports) {
		os.Exit(3)
	}
}

func auditAll(base, prefix string, k int) ([]audit.SessionReport, error) {
	sessions, err := layout.FindSessions(base, prefix)
	if err != nil {
		return nil, err
	}
	reports := make([]audit.SessionReport, 0, len(sessions))
	for _, s := range sessions {
		rep, err := audit.AuditSession(s, k)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", s.Name, err)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func flagged(reports []audit.SessionReport) bool {
	for _, r := range reports {
		if r.SpreadLevel() != "" {
			return true
		}
	}
	return false
}

func writeJSON(w io.Writer, reports []audit.SessionReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(reports)
}

func writeText(w io.Writer, reports []audit.SessionReport) error {
	for _, rep := range reports {
		if _, err := fmt.Fprintf(w, "%s\n", rep.Path); err != nil {
			return err
		}
		for _, d := range rep.Devices {
			fmt.Fprintf(w, "  %-18s filas=%-8d bloques_cero=%d\n", d.Device, d.Rows, len(d.ZeroBlocks))
			for _, z := range d.ZeroBlocks {
				fmt.Fprintf(w, "    block_seq=%d\n", z.Seq)
			}
		}
		switch rep.SpreadLevel() {
		case "critical":
			fmt.Fprintf(w, "  [!!] diferencia de filas %d (> %d)\n", rep.RowSpread, audit.SpreadCritical)
		case "warn":
			fmt.Fprintf(w, "  [!] diferencia de filas %d (> %d)\n", rep.RowSpread, audit.SpreadWarn)
		}
	}
	return nil
}
