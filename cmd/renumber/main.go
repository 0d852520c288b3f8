// renumber deja los índices de sesión contiguos a partir de --start.
// Sin --yes solo muestra el plan.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"imu-svr/internal/observability"
	"imu-svr/internal/renumber"
)

func main() {
	base := pflag.StringP("base-dir", "b", ".", "carpeta con las sesiones")
	prefix := pflag.StringP("prefix", "p", "imu_capturas", "prefijo de las carpetas de sesión")
	start := pflag.IntP("start", "s", 1, "primer índice del nuevo rango")
	yes := pflag.BoolP("yes", "y", false, "aplicar el renombrado")
	pflag.Parse()

	logger := observability.NewLogger("info")
	if err := run(os.Stdout, logger, *base, *prefix, *start, *yes); err != nil {
		logger.Error("renumber failed", "error", err)
		os.Exit(1)
	}
}

func run(w io.Writer, logger *slog.Logger, base, prefix string, start int, apply bool) error {
	plan, err := renumber.BuildPlan(base, prefix, start)
	if err != nil {
		return err
	}
	if len(plan.Moves) == 0 {
		logger.Warn("no sessions found", "base_dir", base, "prefix", prefix)
		return nil
	}

	for _, m := range plan.Moves {
		mark := "REN"
		if m.Old == m.New {
			mark = "OK "
		}
		fmt.Fprintf(w, "[%s] %s\n", mark, m)
	}
	if plan.Pending() == 0 {
		fmt.Fprintln(w, "nada que renombrar")
		return nil
	}
	if !apply {
		fmt.Fprintln(w, "dry-run: usar --yes para aplicar")
		return nil
	}

	if err := renumber.Apply(plan, logger); err != nil {
		return err
	}
	logger.Info("renumber done", "sessions", plan.Pending())
	return nil
}
